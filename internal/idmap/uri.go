package idmap

import (
	"fmt"
	"strings"
)

// uriTemplates are the type-specific path templates used to derive a
// mapping's fully qualified resource reference. Encounter children embed
// the owning patient and encounter in a fragment reference, the way the
// exchange addresses bundle sub-resources.
var uriTemplates = map[EntityType]string{
	TypePatient:       "/api/default/patients/%s",
	TypeEncounter:     "/patients/%s/encounters/%s",
	TypeOrder:         "/patients/%s/encounters/%s#Order/%s",
	TypeDrugOrder:     "/patients/%s/encounters/%s#MedicationRequest/%s",
	TypeDiagnosis:     "/patients/%s/encounters/%s#Condition/%s",
	TypeProvider:      "/api/1.0/providers/%s.json",
	TypeLocation:      "/api/1.0/locations/%s.json",
	TypeMedication:    "/openmrs/ws/rest/v1/tr/drugs/%s",
	TypeReferenceTerm: "/openmrs/ws/rest/v1/tr/referenceterms/%s",
	TypeConcept:       "/openmrs/ws/rest/v1/tr/concepts/%s",
}

// URIFor derives the externally addressable resource reference for a
// mapping. healthID is the owning patient's external id; it is ignored for
// types not scoped under a patient. For encounter children, externalID must
// be the composite "<encounterExternalID>:<childInternalID>" form.
func URIFor(t EntityType, baseURL, healthID, externalID string) string {
	tmpl, ok := uriTemplates[t]
	if !ok {
		return ""
	}
	switch t {
	case TypeEncounter:
		return baseURL + fmt.Sprintf(tmpl, healthID, externalID)
	case TypeOrder, TypeDrugOrder, TypeDiagnosis:
		encID, childID := SplitCompositeExternalID(externalID)
		return baseURL + fmt.Sprintf(tmpl, healthID, encID, childID)
	default:
		return baseURL + fmt.Sprintf(tmpl, externalID)
	}
}

// PatientScopeSegment is the uri fragment that files a resource under a
// patient external id. Matching against the full slash-delimited segment
// keeps a health id from matching another id it happens to prefix. Callers
// append a trailing slash to the uri before matching so terminal health
// ids (patient uris) are covered too.
func PatientScopeSegment(healthID string) string {
	return "/patients/" + healthID + "/"
}

// HealthIDFromURI extracts the owning patient external id from a
// patient-scoped resource uri. Returns "" for uris that are not patient
// scoped.
func HealthIDFromURI(uri string) string {
	const marker = "/patients/"
	i := strings.Index(uri, marker)
	if i < 0 {
		return ""
	}
	rest := uri[i+len(marker):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		return rest[:j]
	}
	return rest
}

// SplitCompositeExternalID is the inverse of CompositeExternalID. A plain
// external id comes back with an empty child component.
func SplitCompositeExternalID(externalID string) (encounterID, childID string) {
	for i := 0; i < len(externalID); i++ {
		if externalID[i] == ':' {
			return externalID[:i], externalID[i+1:]
		}
	}
	return externalID, ""
}
