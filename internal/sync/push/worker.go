// Package push forwards locally authored encounters to the shared health
// record. It drains the outbox change log, skips changes the bridge itself
// wrote, and maintains the correlation table for the encounter and its
// child records.
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/shr-bridge/internal/emr"
	"github.com/ehr/shr-bridge/internal/exchange"
	"github.com/ehr/shr-bridge/internal/feed"
	"github.com/ehr/shr-bridge/internal/idmap"
	"github.com/ehr/shr-bridge/internal/platform/telemetry"
	"github.com/ehr/shr-bridge/internal/transcoder"
)

const metricName = "sync.push.events"

// Uploader is the slice of the exchange client the push worker needs.
type Uploader interface {
	PostEncounter(ctx context.Context, healthID string, payload []byte) (string, error)
	PutEncounter(ctx context.Context, healthID, encounterID string, payload []byte) error
}

// RecordSource reads the local clinical rows the worker uploads.
type RecordSource interface {
	GetEncounter(ctx context.Context, id uuid.UUID) (*emr.Encounter, error)
	ListOrdersByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*emr.Order, error)
	ListObservationsByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*emr.Observation, error)
}

// MappingStore is the slice of the correlation table the worker touches.
type MappingStore interface {
	FindByInternalID(ctx context.Context, t idmap.EntityType, internalID string) (*idmap.Mapping, error)
	SaveOrUpdate(ctx context.Context, m *idmap.Mapping) error
}

// Config carries the worker's fixed parameters.
type Config struct {
	SHRBaseURL string
	SyncUser   uuid.UUID
	BatchSize  int
}

// Worker drains the outbox and uploads encounters. One Worker instance per
// process; RunOnce is not safe for concurrent calls.
type Worker struct {
	changes  feed.ChangeLog
	records  RecordSource
	mappings MappingStore
	uploader Uploader
	codec    transcoder.Transcoder
	metrics  *telemetry.Provider
	cfg      Config
	log      zerolog.Logger
}

func NewWorker(changes feed.ChangeLog, records RecordSource, mappings MappingStore,
	uploader Uploader, codec transcoder.Transcoder, metrics *telemetry.Provider,
	cfg Config, log zerolog.Logger) *Worker {
	return &Worker{
		changes:  changes,
		records:  records,
		mappings: mappings,
		uploader: uploader,
		codec:    codec,
		metrics:  metrics,
		cfg:      cfg,
		log:      log.With().Str("component", "push").Logger(),
	}
}

// RunOnce drains one batch of pending changes. An unauthorized response
// gets a single retry with fresh credentials; any other upload failure
// aborts the run with the preceding events already marked processed, so
// the failed event is retried next run.
func (w *Worker) RunOnce(ctx context.Context) error {
	started := time.Now()
	defer func() { w.metrics.ObserveDuration("sync.push.run", time.Since(started)) }()

	events, err := w.changes.Pending(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("push: load pending: %w", err)
	}
	w.metrics.SetGauge("sync.push.pending", int64(len(events)))

	// seen collapses repeated edits to the same encounter within one run:
	// the first push already uploaded the latest local state.
	seen := map[uuid.UUID]bool{}
	var done []int64
	defer func() {
		if err := w.changes.MarkProcessed(ctx, done); err != nil {
			w.log.Error().Err(err).Msg("mark processed")
		}
	}()

	for _, ev := range events {
		if ev.EntityType != idmap.TypeEncounter {
			w.log.Warn().Str("entity_type", string(ev.EntityType)).Int64("event", ev.ID).
				Msg("unsupported change type, dropping")
			w.metrics.CountEvent(metricName, string(ev.EntityType), "dropped")
			done = append(done, ev.ID)
			continue
		}
		if seen[ev.InternalID] {
			done = append(done, ev.ID)
			continue
		}
		seen[ev.InternalID] = true

		err := w.pushEncounter(ctx, ev.InternalID)
		if errors.Is(err, exchange.ErrUnauthorized) {
			// The failed call already dropped the cached token; one more
			// attempt signs in afresh.
			err = w.pushEncounter(ctx, ev.InternalID)
		}
		if err != nil {
			w.metrics.CountEvent(metricName, "encounter", "error")
			return fmt.Errorf("push: encounter %s: %w", ev.InternalID, err)
		}
		done = append(done, ev.ID)
	}
	return nil
}

func (w *Worker) pushEncounter(ctx context.Context, encounterID uuid.UUID) error {
	enc, err := w.records.GetEncounter(ctx, encounterID)
	if err != nil {
		return err
	}
	if enc == nil || enc.Voided {
		w.metrics.CountEvent(metricName, "encounter", "skipped")
		return nil
	}
	if enc.LastModifiedBy() == w.cfg.SyncUser {
		// The last edit came from a download; pushing it back would echo
		// the exchange's own data at it.
		w.log.Debug().Str("encounter_id", encounterID.String()).Msg("download echo, skipping")
		w.metrics.CountEvent(metricName, "encounter", "echo")
		return nil
	}

	patientMapping, err := w.mappings.FindByInternalID(ctx, idmap.TypePatient, enc.PatientID.String())
	if err != nil {
		return err
	}
	if patientMapping == nil {
		w.log.Warn().Str("patient_id", enc.PatientID.String()).
			Msg("patient has no health id, encounter not shareable")
		w.metrics.CountEvent(metricName, "encounter", "unmapped_patient")
		return nil
	}
	healthID := patientMapping.ExternalID

	orders, err := w.records.ListOrdersByEncounter(ctx, encounterID)
	if err != nil {
		return err
	}
	observations, err := w.records.ListObservationsByEncounter(ctx, encounterID)
	if err != nil {
		return err
	}
	agg := &emr.EncounterAggregate{Encounter: enc, Orders: orders, Observations: observations}
	payload, err := w.codec.Encode(agg)
	if err != nil {
		return err
	}

	encMapping, err := w.mappings.FindByInternalID(ctx, idmap.TypeEncounter, encounterID.String())
	if err != nil {
		return err
	}

	if encMapping == nil {
		externalID, err := w.uploader.PostEncounter(ctx, healthID, payload)
		if err != nil {
			return err
		}
		if err := w.saveMappings(ctx, enc, orders, healthID, externalID, nil); err != nil {
			return err
		}
		w.log.Info().Str("encounter_id", encounterID.String()).Str("external_id", externalID).
			Msg("encounter created on exchange")
		w.metrics.CountEvent(metricName, "encounter", "created")
		return nil
	}

	if err := w.uploader.PutEncounter(ctx, healthID, encMapping.ExternalID, payload); err != nil {
		return err
	}
	if err := w.saveMappings(ctx, enc, orders, healthID, encMapping.ExternalID, encMapping.ServerUpdatedAt); err != nil {
		return err
	}
	w.log.Info().Str("encounter_id", encounterID.String()).Str("external_id", encMapping.ExternalID).
		Msg("encounter updated on exchange")
	w.metrics.CountEvent(metricName, "encounter", "updated")
	return nil
}

// saveMappings writes the encounter mapping and a composite-keyed child
// mapping per live order, so inbound events can correlate the exchange's
// sub-resources back to local rows.
func (w *Worker) saveMappings(ctx context.Context, enc *emr.Encounter, orders []*emr.Order,
	healthID, externalID string, serverUpdated *time.Time) error {
	if err := w.mappings.SaveOrUpdate(ctx, &idmap.Mapping{
		InternalID:      enc.ID.String(),
		ExternalID:      externalID,
		Type:            idmap.TypeEncounter,
		URI:             idmap.URIFor(idmap.TypeEncounter, w.cfg.SHRBaseURL, healthID, externalID),
		ServerUpdatedAt: serverUpdated,
	}); err != nil {
		return err
	}
	for _, o := range orders {
		if o.Voided {
			continue
		}
		t := idmap.TypeOrder
		if o.Type == emr.OrderTypeDrug {
			t = idmap.TypeDrugOrder
		}
		compositeID := idmap.CompositeExternalID(externalID, o.ID.String())
		if err := w.mappings.SaveOrUpdate(ctx, &idmap.Mapping{
			InternalID: o.ID.String(),
			ExternalID: compositeID,
			Type:       t,
			URI:        idmap.URIFor(t, w.cfg.SHRBaseURL, healthID, compositeID),
		}); err != nil {
			return err
		}
	}
	return nil
}
