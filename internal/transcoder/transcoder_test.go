package transcoder

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/shr-bridge/internal/emr"
)

func TestEncodeDropsVoidedChildren(t *testing.T) {
	reason := "entry error"
	agg := &emr.EncounterAggregate{
		Encounter: &emr.Encounter{
			ID:          uuid.New(),
			Type:        "OPD",
			EncounterAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		},
		Orders: []*emr.Order{
			{Type: emr.OrderTypeTest, Concept: "CBC", ActivatedAt: time.Now()},
			{Type: emr.OrderTypeDrug, Concept: "Paracetamol", Voided: true, VoidReason: &reason},
		},
		Observations: []*emr.Observation{
			{Concept: "pulse", Value: "70"},
			{Concept: "pulse", Value: "170", Voided: true},
		},
	}

	payload, err := JSON{}.Encode(agg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n := len(doc["orders"].([]interface{})); n != 1 {
		t.Errorf("orders in payload = %d, want 1 (voided dropped)", n)
	}
	if n := len(doc["observations"].([]interface{})); n != 1 {
		t.Errorf("observations in payload = %d, want 1 (voided dropped)", n)
	}
}

func TestEncodeOmitsLocalIdentifiers(t *testing.T) {
	agg := &emr.EncounterAggregate{
		Encounter: &emr.Encounter{ID: uuid.New(), Type: "OPD", EncounterAt: time.Now()},
	}
	payload, err := JSON{}.Encode(agg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "patient_id", "visit_id"} {
		if _, ok := doc[key]; ok {
			t.Errorf("payload carries local identifier %q", key)
		}
	}
}

func TestDecode(t *testing.T) {
	payload := []byte(`{
		"encounterType": "OPD",
		"encounterTime": "2026-03-10T09:00:00Z",
		"orders": [{"orderType": "drug_order", "concept": "Paracetamol", "activatedAt": "2026-03-10T09:05:00Z"}],
		"observations": [{"concept": "pulse", "value": "70"}]
	}`)

	agg, err := JSON{}.Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if agg.Encounter.Type != "OPD" {
		t.Errorf("type = %q", agg.Encounter.Type)
	}
	if agg.Encounter.ID != uuid.Nil {
		t.Errorf("decode must not assign local ids, got %s", agg.Encounter.ID)
	}
	if len(agg.Orders) != 1 || agg.Orders[0].Type != emr.OrderTypeDrug {
		t.Errorf("orders = %+v", agg.Orders)
	}
	if len(agg.Observations) != 1 || agg.Observations[0].Value != "70" {
		t.Errorf("observations = %+v", agg.Observations)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := (JSON{}).Decode([]byte(`{"encounterTime": 12`)); err == nil {
		t.Fatal("want error for malformed payload")
	}
}
