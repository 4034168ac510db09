package document

import "testing"

func TestParseConfidentiality_DefaultsToNormal(t *testing.T) {
	if got := ParseConfidentiality(""); got != ConfidentialityNormal {
		t.Errorf("absent marker = %q, want Normal", got)
	}
}

func TestGate_Admit(t *testing.T) {
	tests := []struct {
		name  string
		conf  Confidentiality
		admit bool
	}{
		{"absent marker", "", true},
		{"normal", ConfidentialityNormal, true},
		{"restricted", ConfidentialityRestricted, false},
		{"very restricted", ConfidentialityVeryRestricted, false},
		{"unknown code", Confidentiality("X"), false},
	}

	var gate Gate
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Document{EncounterID: "enc-1", Confidentiality: tt.conf}
			if got := gate.Admit(d); got != tt.admit {
				t.Errorf("Admit(%q) = %v, want %v", tt.conf, got, tt.admit)
			}
		})
	}
}

func TestDocument_Superseded(t *testing.T) {
	d := &Document{EncounterID: "enc-1"}
	if d.Superseded() {
		t.Error("document without hint should not be superseded")
	}
	d.SupersededBy = "event-99"
	if !d.Superseded() {
		t.Error("document with hint should be superseded")
	}
}
