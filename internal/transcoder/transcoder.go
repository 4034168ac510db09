// Package transcoder converts between the local encounter aggregate and
// the document payload the exchange stores. The wire form carries no local
// identifiers; correlation happens entirely through the mapping store.
package transcoder

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/shr-bridge/internal/emr"
)

// Transcoder converts encounter aggregates to and from wire payloads.
type Transcoder interface {
	Encode(agg *emr.EncounterAggregate) ([]byte, error)
	Decode(payload json.RawMessage) (*emr.EncounterAggregate, error)
}

type encounterDoc struct {
	Type         string     `json:"encounterType"`
	EncounterAt  time.Time  `json:"encounterTime"`
	Orders       []orderDoc `json:"orders,omitempty"`
	Observations []obsDoc   `json:"observations,omitempty"`
}

type orderDoc struct {
	Type        string    `json:"orderType"`
	Concept     string    `json:"concept"`
	ActivatedAt time.Time `json:"activatedAt"`
}

type obsDoc struct {
	Concept string `json:"concept"`
	Value   string `json:"value"`
}

// JSON is the document-snapshot transcoder. Encode drops voided child
// records so the exchange only ever sees the current version of the
// encounter.
type JSON struct{}

func (JSON) Encode(agg *emr.EncounterAggregate) ([]byte, error) {
	if agg == nil || agg.Encounter == nil {
		return nil, fmt.Errorf("transcoder: empty aggregate")
	}
	doc := encounterDoc{
		Type:        agg.Encounter.Type,
		EncounterAt: agg.Encounter.EncounterAt.UTC(),
	}
	for _, o := range agg.Orders {
		if o.Voided {
			continue
		}
		doc.Orders = append(doc.Orders, orderDoc{
			Type:        string(o.Type),
			Concept:     o.Concept,
			ActivatedAt: o.ActivatedAt.UTC(),
		})
	}
	for _, ob := range agg.Observations {
		if ob.Voided {
			continue
		}
		doc.Observations = append(doc.Observations, obsDoc{Concept: ob.Concept, Value: ob.Value})
	}
	return json.Marshal(doc)
}

// Decode produces an aggregate with no identifiers assigned; the caller
// correlates the encounter through the mapping store and the apply path
// assigns fresh ids to child records.
func (JSON) Decode(payload json.RawMessage) (*emr.EncounterAggregate, error) {
	var doc encounterDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("transcoder: decode document: %w", err)
	}
	agg := &emr.EncounterAggregate{
		Encounter: &emr.Encounter{
			Type:        doc.Type,
			EncounterAt: doc.EncounterAt,
		},
	}
	for _, o := range doc.Orders {
		agg.Orders = append(agg.Orders, &emr.Order{
			Type:        emr.OrderType(o.Type),
			Concept:     o.Concept,
			ActivatedAt: o.ActivatedAt,
		})
	}
	for _, ob := range doc.Observations {
		agg.Observations = append(agg.Observations, &emr.Observation{Concept: ob.Concept, Value: ob.Value})
	}
	return agg, nil
}
