package emr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/shr-bridge/internal/idmap"
)

const replacedReason = "replaced by newer download"

// shrVisitType is assigned to visits the bridge opens on behalf of
// downloaded encounters that fall outside every local visit window.
const shrVisitType = "SHR"

// ChangeRecorder logs an encounter write to the outbox, in the same
// transaction as the write itself. Every encounter save is logged, even
// bridge-authored ones; the push worker's echo guard filters those out.
type ChangeRecorder interface {
	Record(ctx context.Context, entityType idmap.EntityType, internalID uuid.UUID) error
}

// Service applies downloaded clinical content to the local record. Child
// records are never edited in place: on re-download the previous rows are
// voided and fresh replacements inserted, so the audit trail keeps every
// version the exchange ever delivered.
type Service struct {
	store    Store
	changes  ChangeRecorder
	syncUser uuid.UUID
	log      zerolog.Logger
}

func NewService(store Store, changes ChangeRecorder, syncUser uuid.UUID, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		changes:  changes,
		syncUser: syncUser,
		log:      log.With().Str("component", "emr").Logger(),
	}
}

// SyncUser is the service account all bridge-authored writes are attributed
// to.
func (s *Service) SyncUser() uuid.UUID { return s.syncUser }

// ApplyPatient upserts downloaded demographics, preserving local creation
// attribution when the patient already exists.
func (s *Service) ApplyPatient(ctx context.Context, p *Patient) error {
	existing, err := s.store.GetPatient(ctx, p.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		p.CreatedBy = existing.CreatedBy
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedBy = s.syncUser
	}
	su := s.syncUser
	p.ChangedBy = &su
	return s.store.SavePatient(ctx, p)
}

// ApplyEncounter persists a downloaded encounter aggregate. New encounters
// are attached to a local visit covering the encounter time, or to a fresh
// one when none does. On re-download the existing child orders and
// observations are voided and the incoming set inserted as new rows.
func (s *Service) ApplyEncounter(ctx context.Context, agg *EncounterAggregate) error {
	enc := agg.Encounter
	existing, err := s.store.GetEncounter(ctx, enc.ID)
	if err != nil {
		return err
	}

	if existing == nil {
		visit, err := s.visitFor(ctx, enc.PatientID, enc.EncounterAt)
		if err != nil {
			return err
		}
		enc.VisitID = visit.ID
		enc.CreatedBy = s.syncUser
	} else {
		enc.VisitID = existing.VisitID
		enc.CreatedBy = existing.CreatedBy
		enc.CreatedAt = existing.CreatedAt
		su := s.syncUser
		enc.ChangedBy = &su
		if err := s.voidChildren(ctx, enc.ID); err != nil {
			return err
		}
	}
	if err := s.store.SaveEncounter(ctx, enc); err != nil {
		return err
	}

	for _, o := range agg.Orders {
		o.ID = uuid.New()
		o.EncounterID = enc.ID
		o.PatientID = enc.PatientID
		o.CreatedBy = s.syncUser
		if err := s.store.SaveOrder(ctx, o); err != nil {
			return err
		}
	}
	for _, ob := range agg.Observations {
		ob.ID = uuid.New()
		ob.EncounterID = enc.ID
		ob.PatientID = enc.PatientID
		ob.CreatedBy = s.syncUser
		if err := s.store.SaveObservation(ctx, ob); err != nil {
			return err
		}
	}

	if s.changes != nil {
		if err := s.changes.Record(ctx, idmap.TypeEncounter, enc.ID); err != nil {
			return err
		}
	}

	s.log.Debug().Str("encounter_id", enc.ID.String()).
		Int("orders", len(agg.Orders)).
		Int("observations", len(agg.Observations)).
		Bool("update", existing != nil).
		Msg("encounter applied")
	return nil
}

func (s *Service) visitFor(ctx context.Context, patientID uuid.UUID, at time.Time) (*Visit, error) {
	visit, err := s.store.FindVisitCovering(ctx, patientID, at)
	if err != nil {
		return nil, err
	}
	if visit != nil {
		return visit, nil
	}
	visit = &Visit{
		ID:        uuid.New(),
		PatientID: patientID,
		Type:      shrVisitType,
		StartedAt: at,
		CreatedBy: s.syncUser,
	}
	if err := s.store.SaveVisit(ctx, visit); err != nil {
		return nil, fmt.Errorf("open visit: %w", err)
	}
	return visit, nil
}

func (s *Service) voidChildren(ctx context.Context, encounterID uuid.UUID) error {
	reason := replacedReason
	orders, err := s.store.ListOrdersByEncounter(ctx, encounterID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.Voided {
			continue
		}
		o.Voided = true
		o.VoidReason = &reason
		if err := s.store.SaveOrder(ctx, o); err != nil {
			return err
		}
	}
	obs, err := s.store.ListObservationsByEncounter(ctx, encounterID)
	if err != nil {
		return err
	}
	for _, ob := range obs {
		if ob.Voided {
			continue
		}
		ob.Voided = true
		ob.VoidReason = &reason
		if err := s.store.SaveObservation(ctx, ob); err != nil {
			return err
		}
	}
	return nil
}
