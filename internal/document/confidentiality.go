package document

// Confidentiality is the ordered document-level marker restricting which
// systems may ingest a clinical document.
type Confidentiality string

const (
	ConfidentialityNormal         Confidentiality = "N"
	ConfidentialityRestricted     Confidentiality = "R"
	ConfidentialityVeryRestricted Confidentiality = "V"
)

// rank orders the scale Normal < Restricted < VeryRestricted. Unknown codes
// rank above VeryRestricted so they are never admitted by mistake.
func (c Confidentiality) rank() int {
	switch c {
	case "", ConfidentialityNormal:
		return 0
	case ConfidentialityRestricted:
		return 1
	case ConfidentialityVeryRestricted:
		return 2
	default:
		return 3
	}
}

// ParseConfidentiality maps a wire code to a level. An absent marker
// defaults to the least restrictive level.
func ParseConfidentiality(code string) Confidentiality {
	switch code {
	case "", "N":
		return ConfidentialityNormal
	case "R":
		return ConfidentialityRestricted
	case "V":
		return ConfidentialityVeryRestricted
	default:
		return Confidentiality(code)
	}
}

// Gate is the admission policy for inbound clinical documents. It runs
// strictly before any domain mutation; a rejection is a policy decision,
// not a transient failure, and is never retried.
type Gate struct{}

// Admit reports whether the document may be ingested. Only documents at or
// below the Normal threshold are admitted.
func (Gate) Admit(d *Document) bool {
	return d.Confidentiality.rank() <= ConfidentialityNormal.rank()
}
