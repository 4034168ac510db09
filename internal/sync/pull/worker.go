// Package pull consumes the catchment encounter feed and applies remote
// encounters to the local record. Application is idempotent: a document
// whose remote timestamp is not newer than what the correlation table
// already reflects is skipped, so replaying the feed from the start leaves
// the local record unchanged.
package pull

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/shr-bridge/internal/document"
	"github.com/ehr/shr-bridge/internal/emr"
	"github.com/ehr/shr-bridge/internal/exchange"
	"github.com/ehr/shr-bridge/internal/feed"
	"github.com/ehr/shr-bridge/internal/idmap"
	"github.com/ehr/shr-bridge/internal/platform/db"
	"github.com/ehr/shr-bridge/internal/platform/telemetry"
	"github.com/ehr/shr-bridge/internal/transcoder"
)

const metricName = "sync.pull.events"

// Downloader is the slice of the exchange client the pull worker needs.
type Downloader interface {
	GetFeedPage(ctx context.Context, feedURI, afterEventID string) (*exchange.FeedPage, error)
	GetPatient(ctx context.Context, healthID string) (*exchange.RemotePatient, error)
}

// Applier persists downloaded content to the local record.
type Applier interface {
	ApplyPatient(ctx context.Context, p *emr.Patient) error
	ApplyEncounter(ctx context.Context, agg *emr.EncounterAggregate) error
}

// Reconciler folds a retired health id's local record into the retained
// one when the exchange reports a patient merge.
type Reconciler interface {
	MergePatients(ctx context.Context, retiredHealthID, retainedHealthID string) error
}

// MappingStore is the slice of the correlation table the worker touches.
type MappingStore interface {
	FindByInternalID(ctx context.Context, t idmap.EntityType, internalID string) (*idmap.Mapping, error)
	FindByExternalID(ctx context.Context, t idmap.EntityType, externalID string) (*idmap.Mapping, error)
	SaveOrUpdate(ctx context.Context, m *idmap.Mapping) error
}

// Config carries the worker's fixed parameters.
type Config struct {
	FeedURI    string
	SHRBaseURL string
	MPIBaseURL string
}

// Worker reads the encounter feed and applies each event. One Worker per
// process; RunOnce is not safe for concurrent calls.
type Worker struct {
	cursors    feed.CursorRepo
	failed     feed.FailedEventRepo
	mappings   MappingStore
	downloader Downloader
	applier    Applier
	reconciler Reconciler
	codec      transcoder.Transcoder
	gate       document.Gate
	runTx      db.TxRunner
	metrics    *telemetry.Provider
	cfg        Config
	log        zerolog.Logger
}

func NewWorker(cursors feed.CursorRepo, failed feed.FailedEventRepo, mappings MappingStore,
	downloader Downloader, applier Applier, reconciler Reconciler, codec transcoder.Transcoder,
	runTx db.TxRunner, metrics *telemetry.Provider, cfg Config, log zerolog.Logger) *Worker {
	return &Worker{
		cursors:    cursors,
		failed:     failed,
		mappings:   mappings,
		downloader: downloader,
		applier:    applier,
		reconciler: reconciler,
		codec:      codec,
		runTx:      runTx,
		metrics:    metrics,
		cfg:        cfg,
		log:        log.With().Str("component", "pull").Logger(),
	}
}

// RunOnce reads and applies one page of the feed. Events that fail get a
// second attempt at the end of the page; an event that fails both passes
// is parked in the failed-event table and the cursor moves past it, so one
// poisoned document never blocks the feed.
func (w *Worker) RunOnce(ctx context.Context) error {
	started := time.Now()
	defer func() { w.metrics.ObserveDuration("sync.pull.run", time.Since(started)) }()

	after := ""
	if cursor, err := w.cursors.Get(ctx, w.cfg.FeedURI); err != nil {
		return fmt.Errorf("pull: load cursor: %w", err)
	} else if cursor != nil {
		after = cursor.LastEventID
	}

	page, err := w.downloader.GetFeedPage(ctx, w.cfg.FeedURI, after)
	if err != nil {
		return fmt.Errorf("pull: read feed: %w", err)
	}
	if len(page.Entries) == 0 {
		return nil
	}

	// When one page updates the same encounter more than once, only the
	// last entry is applied; the earlier versions are already history.
	latest := map[string]string{}
	order := make(map[string]int, len(page.Entries))
	for i, entry := range page.Entries {
		latest[entry.EncounterID] = entry.EventID
		order[entry.EventID] = i
	}

	// The cursor only ever moves forward in page order. A retried event
	// that other entries already advanced past must not pull it back.
	frontier := -1
	advance := func(entry exchange.FeedEntry) error {
		if order[entry.EventID] <= frontier {
			return nil
		}
		if err := w.cursors.Advance(ctx, w.cfg.FeedURI, entry.EventID); err != nil {
			return fmt.Errorf("pull: advance cursor: %w", err)
		}
		frontier = order[entry.EventID]
		return nil
	}

	var retry []exchange.FeedEntry
	for _, entry := range page.Entries {
		if latest[entry.EncounterID] != entry.EventID {
			w.metrics.CountEvent(metricName, "encounter", "superseded")
			if err := advance(entry); err != nil {
				return err
			}
			continue
		}
		if err := w.applyEntry(ctx, entry); err != nil {
			w.log.Warn().Err(err).Str("event_id", entry.EventID).Msg("first pass failed, will retry")
			retry = append(retry, entry)
			continue
		}
		if err := advance(entry); err != nil {
			return err
		}
	}

	for _, entry := range retry {
		err := w.applyEntry(ctx, entry)
		if err != nil {
			w.log.Error().Err(err).Str("event_id", entry.EventID).Msg("second pass failed, parking event")
			w.metrics.CountEvent(metricName, "encounter", "failed")
			if recErr := w.failed.Record(ctx, w.cfg.FeedURI, entry.EventID, err.Error(), entry.Content); recErr != nil {
				return fmt.Errorf("pull: park failed event: %w", recErr)
			}
		}
		if err := advance(entry); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) applyEntry(ctx context.Context, entry exchange.FeedEntry) error {
	var doc document.Document
	if err := json.Unmarshal(entry.Content, &doc); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if doc.EncounterID == "" {
		doc.EncounterID = entry.EncounterID
	}

	if doc.Superseded() {
		w.metrics.CountEvent(metricName, "encounter", "superseded")
		return nil
	}

	encMapping, err := w.mappings.FindByExternalID(ctx, idmap.TypeEncounter, doc.EncounterID)
	if err != nil {
		return err
	}
	// The exchange announces a merge by republishing the encounter under
	// the retained health id, often with an unchanged timestamp. The merge
	// must reconcile before the document can be dismissed as stale or
	// restricted, or the signal is lost for good.
	if encMapping != nil {
		if err := w.detectMerge(ctx, encMapping, doc.HealthID); err != nil {
			return err
		}
	}

	if !w.gate.Admit(&doc) {
		w.log.Info().Str("encounter_id", doc.EncounterID).
			Str("confidentiality", string(doc.Confidentiality)).
			Msg("document not admitted")
		w.metrics.CountEvent(metricName, "encounter", "restricted")
		return nil
	}
	if encMapping.AlreadyApplied(doc.UpdatedAt) {
		w.metrics.CountEvent(metricName, "encounter", "stale")
		return nil
	}

	patientID, err := w.resolvePatient(ctx, doc.HealthID)
	if err != nil {
		return err
	}

	agg, err := w.codec.Decode(doc.Payload)
	if err != nil {
		return err
	}
	if encMapping != nil {
		internalID, err := uuid.Parse(encMapping.InternalID)
		if err != nil {
			return fmt.Errorf("corrupt encounter mapping %q: %w", encMapping.InternalID, err)
		}
		agg.Encounter.ID = internalID
	} else {
		agg.Encounter.ID = uuid.New()
	}
	agg.Encounter.PatientID = patientID

	updatedAt := doc.UpdatedAt
	err = w.runTx(ctx, func(ctx context.Context) error {
		if err := w.applier.ApplyEncounter(ctx, agg); err != nil {
			return err
		}
		return w.mappings.SaveOrUpdate(ctx, &idmap.Mapping{
			InternalID:      agg.Encounter.ID.String(),
			ExternalID:      doc.EncounterID,
			Type:            idmap.TypeEncounter,
			URI:             idmap.URIFor(idmap.TypeEncounter, w.cfg.SHRBaseURL, doc.HealthID, doc.EncounterID),
			ServerUpdatedAt: &updatedAt,
		})
	})
	if err != nil {
		return err
	}

	outcome := "created"
	if encMapping != nil {
		outcome = "updated"
	}
	w.metrics.CountEvent(metricName, "encounter", outcome)
	w.log.Info().Str("encounter_id", doc.EncounterID).Str("health_id", doc.HealthID).
		Str("outcome", outcome).Msg("encounter applied")
	return nil
}

// detectMerge checks whether a known encounter arrived under a different
// health id than the patient it is currently filed under, which is how the
// exchange announces that two patients were merged upstream.
func (w *Worker) detectMerge(ctx context.Context, encMapping *idmap.Mapping, healthID string) error {
	enc, err := w.localEncounterPatient(ctx, encMapping)
	if err != nil || enc == "" {
		return err
	}
	if enc == healthID {
		return nil
	}
	w.log.Info().Str("retired_health_id", enc).Str("retained_health_id", healthID).
		Msg("patient merge detected on feed")
	w.metrics.CountEvent(metricName, "patient", "merged")
	return w.reconciler.MergePatients(ctx, enc, healthID)
}

// localEncounterPatient returns the health id the mapped encounter is
// currently filed under. The encounter uri embeds the owning health id;
// mappings written by both push and pull derive it the same way.
func (w *Worker) localEncounterPatient(_ context.Context, encMapping *idmap.Mapping) (string, error) {
	return idmap.HealthIDFromURI(encMapping.URI), nil
}

// resolvePatient returns the local patient for a health id, downloading
// the demographics from the master patient index on first contact. A
// health id the index reports as merged away resolves to its retained
// target after local reconciliation.
func (w *Worker) resolvePatient(ctx context.Context, healthID string) (uuid.UUID, error) {
	return w.resolvePatientDepth(ctx, healthID, 0)
}

func (w *Worker) resolvePatientDepth(ctx context.Context, healthID string, depth int) (uuid.UUID, error) {
	if depth > 4 {
		return uuid.Nil, fmt.Errorf("merge chain for %s too deep", healthID)
	}
	if mapping, err := w.mappings.FindByExternalID(ctx, idmap.TypePatient, healthID); err != nil {
		return uuid.Nil, err
	} else if mapping != nil {
		id, err := uuid.Parse(mapping.InternalID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("corrupt patient mapping %q: %w", mapping.InternalID, err)
		}
		return id, nil
	}

	remote, err := w.downloader.GetPatient(ctx, healthID)
	if err != nil {
		if errors.Is(err, exchange.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("health id %s unknown to the index: %w", healthID, err)
		}
		return uuid.Nil, err
	}
	if !remote.Active && remote.MergedWith != "" {
		w.log.Info().Str("retired_health_id", healthID).Str("retained_health_id", remote.MergedWith).
			Msg("index reports health id merged away")
		if err := w.reconciler.MergePatients(ctx, healthID, remote.MergedWith); err != nil {
			return uuid.Nil, err
		}
		return w.resolvePatientDepth(ctx, remote.MergedWith, depth+1)
	}

	patient := &emr.Patient{
		ID:        uuid.New(),
		Gender:    remote.Gender,
		BirthDate: remote.BirthDate,
	}
	err = w.runTx(ctx, func(ctx context.Context) error {
		if err := w.applier.ApplyPatient(ctx, patient); err != nil {
			return err
		}
		return w.mappings.SaveOrUpdate(ctx, &idmap.Mapping{
			InternalID: patient.ID.String(),
			ExternalID: healthID,
			Type:       idmap.TypePatient,
			URI:        idmap.URIFor(idmap.TypePatient, w.cfg.MPIBaseURL, healthID, healthID),
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	w.metrics.CountEvent(metricName, "patient", "created")
	return patient.ID, nil
}
