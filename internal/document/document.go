// Package document defines the opaque clinical-document envelope exchanged
// with the SHR and the confidentiality admission policy applied to inbound
// documents.
package document

import (
	"encoding/json"
	"time"
)

// Document is one entry of the remote encounter feed: an opaque clinical
// bundle plus the envelope fields the sync engine reads. The payload itself
// is only ever interpreted by the resource transcoder.
type Document struct {
	// EventID is the feed entry id, used for cursor tracking.
	EventID string `json:"eventId"`
	// EncounterID is the exchange-issued encounter identifier.
	EncounterID string `json:"encounterId"`
	// HealthID is the external id of the patient the document belongs to,
	// as referenced inside the document itself.
	HealthID string `json:"healthId"`
	// UpdatedAt is the remote system's last-modified marker for this
	// encounter, the idempotence boundary for inbound application.
	UpdatedAt time.Time `json:"updatedAt"`
	// SupersededBy is set when the feed itself announces a later event for
	// the same encounter; such entries are skipped in favor of the newer one.
	SupersededBy string `json:"supersededBy,omitempty"`

	Confidentiality Confidentiality `json:"confidentiality,omitempty"`

	Payload json.RawMessage `json:"content"`
}

// Superseded reports whether a later version of this encounter is already
// known to the feed.
func (d *Document) Superseded() bool {
	return d.SupersededBy != ""
}
