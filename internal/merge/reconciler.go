// Package merge folds one local patient record into another when the
// exchange reports that their health ids were merged upstream. The local
// record keeps an auditable trace: clinical rows move to the retained
// patient, the retired patient's demographic rows are voided in place, and
// the correlation table is rewritten so future events for either health id
// resolve to the retained patient.
package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/shr-bridge/internal/emr"
	"github.com/ehr/shr-bridge/internal/idmap"
	"github.com/ehr/shr-bridge/internal/platform/db"
	"github.com/ehr/shr-bridge/internal/platform/telemetry"
)

// RecordStore is the slice of the local store the reconciler rewrites.
type RecordStore interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*emr.Patient, error)
	SavePatient(ctx context.Context, p *emr.Patient) error

	ListNames(ctx context.Context, patientID uuid.UUID) ([]*emr.PatientName, error)
	SaveName(ctx context.Context, n *emr.PatientName) error
	ListAddresses(ctx context.Context, patientID uuid.UUID) ([]*emr.PatientAddress, error)
	SaveAddress(ctx context.Context, a *emr.PatientAddress) error
	ListAttributes(ctx context.Context, patientID uuid.UUID) ([]*emr.PatientAttribute, error)
	SaveAttribute(ctx context.Context, a *emr.PatientAttribute) error
	ListIdentifiers(ctx context.Context, patientID uuid.UUID) ([]*emr.PatientIdentifier, error)
	SaveIdentifier(ctx context.Context, i *emr.PatientIdentifier) error

	ActiveVisits(ctx context.Context, patientID uuid.UUID) ([]*emr.Visit, error)
	SaveVisit(ctx context.Context, v *emr.Visit) error
	ReassignVisits(ctx context.Context, fromPatient, toPatient uuid.UUID) error
	ReassignEncounters(ctx context.Context, fromPatient, toPatient uuid.UUID) error
	ReassignOrders(ctx context.Context, fromPatient, toPatient uuid.UUID) error
}

// MappingStore is the slice of the correlation table the reconciler
// rewrites.
type MappingStore interface {
	FindByExternalID(ctx context.Context, t idmap.EntityType, externalID string) (*idmap.Mapping, error)
	SaveOrUpdate(ctx context.Context, m *idmap.Mapping) error
	ReplaceInternalID(ctx context.Context, t idmap.EntityType, oldInternalID, newInternalID string) error
	RebaseURIs(ctx context.Context, oldHealthID, newHealthID string) error
}

// Reconciler applies upstream patient merges to the local record.
type Reconciler struct {
	records  RecordStore
	mappings MappingStore
	runTx    db.TxRunner
	metrics  *telemetry.Provider
	mpiBase  string
	log      zerolog.Logger
}

func NewReconciler(records RecordStore, mappings MappingStore, runTx db.TxRunner,
	metrics *telemetry.Provider, mpiBaseURL string, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		records:  records,
		mappings: mappings,
		runTx:    runTx,
		metrics:  metrics,
		mpiBase:  mpiBaseURL,
		log:      log.With().Str("component", "merge").Logger(),
	}
}

// MergePatients folds the retired health id into the retained one. The
// whole reconciliation runs in one transaction and is idempotent: once
// both health ids resolve to the same local patient, a repeat call is a
// no-op.
func (r *Reconciler) MergePatients(ctx context.Context, retiredHealthID, retainedHealthID string) error {
	retired, err := r.mappings.FindByExternalID(ctx, idmap.TypePatient, retiredHealthID)
	if err != nil {
		return err
	}
	if retired == nil {
		// The retired health id was never local; nothing to fold.
		return nil
	}
	retained, err := r.mappings.FindByExternalID(ctx, idmap.TypePatient, retainedHealthID)
	if err != nil {
		return err
	}

	if retained == nil {
		// The retained patient is not local: the retired local record
		// simply takes on the new identity.
		return r.rekeyIdentity(ctx, retired, retiredHealthID, retainedHealthID)
	}
	if retained.InternalID == retired.InternalID {
		// Already reconciled.
		return nil
	}
	return r.foldRecords(ctx, retired, retained, retiredHealthID, retainedHealthID)
}

func (r *Reconciler) rekeyIdentity(ctx context.Context, retired *idmap.Mapping,
	retiredHealthID, retainedHealthID string) error {
	err := r.runTx(ctx, func(ctx context.Context) error {
		if err := r.mappings.SaveOrUpdate(ctx, &idmap.Mapping{
			InternalID: retired.InternalID,
			ExternalID: retainedHealthID,
			Type:       idmap.TypePatient,
			URI:        idmap.URIFor(idmap.TypePatient, r.mpiBase, retainedHealthID, retainedHealthID),
		}); err != nil {
			return err
		}
		return r.mappings.RebaseURIs(ctx, retiredHealthID, retainedHealthID)
	})
	if err != nil {
		return fmt.Errorf("merge: rekey %s to %s: %w", retiredHealthID, retainedHealthID, err)
	}
	r.log.Info().Str("retired_health_id", retiredHealthID).Str("retained_health_id", retainedHealthID).
		Msg("local patient re-keyed to retained health id")
	r.metrics.CountEvent("sync.merge", "patient", "rekeyed")
	return nil
}

func (r *Reconciler) foldRecords(ctx context.Context, retired, retained *idmap.Mapping,
	retiredHealthID, retainedHealthID string) error {
	retiredID, err := uuid.Parse(retired.InternalID)
	if err != nil {
		return fmt.Errorf("merge: corrupt patient mapping %q: %w", retired.InternalID, err)
	}
	retainedID, err := uuid.Parse(retained.InternalID)
	if err != nil {
		return fmt.Errorf("merge: corrupt patient mapping %q: %w", retained.InternalID, err)
	}

	err = r.runTx(ctx, func(ctx context.Context) error {
		if err := r.foldLocalRecord(ctx, retiredID, retainedID); err != nil {
			return err
		}
		// Future events for the retired health id resolve to the
		// retained patient, and every patient-scoped uri follows.
		if err := r.mappings.ReplaceInternalID(ctx, idmap.TypePatient, retired.InternalID, retained.InternalID); err != nil {
			return err
		}
		return r.mappings.RebaseURIs(ctx, retiredHealthID, retainedHealthID)
	})
	if err != nil {
		return fmt.Errorf("merge: fold %s into %s: %w", retiredHealthID, retainedHealthID, err)
	}
	r.log.Info().Str("retired_health_id", retiredHealthID).Str("retained_health_id", retainedHealthID).
		Msg("local patients merged")
	r.metrics.CountEvent("sync.merge", "patient", "folded")
	return nil
}

func (r *Reconciler) foldLocalRecord(ctx context.Context, retiredID, retainedID uuid.UUID) error {
	retired, err := r.records.GetPatient(ctx, retiredID)
	if err != nil {
		return err
	}
	if retired == nil || retired.Voided {
		return nil
	}
	retained, err := r.records.GetPatient(ctx, retainedID)
	if err != nil {
		return err
	}
	if retained == nil {
		return fmt.Errorf("retained patient %s missing", retainedID)
	}

	// Keep the retained patient to a single open visit: the retired
	// side's open visits are stopped before their rows move over, but
	// only when the retained patient already has one of its own.
	retainedOpen, err := r.records.ActiveVisits(ctx, retainedID)
	if err != nil {
		return err
	}
	if len(retainedOpen) > 0 {
		retiredOpen, err := r.records.ActiveVisits(ctx, retiredID)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, v := range retiredOpen {
			v.StoppedAt = &now
			if err := r.records.SaveVisit(ctx, v); err != nil {
				return err
			}
		}
	}

	if err := r.records.ReassignVisits(ctx, retiredID, retainedID); err != nil {
		return err
	}
	if err := r.records.ReassignEncounters(ctx, retiredID, retainedID); err != nil {
		return err
	}
	if err := r.records.ReassignOrders(ctx, retiredID, retainedID); err != nil {
		return err
	}

	if err := r.voidDemographics(ctx, retiredID); err != nil {
		return err
	}

	// Death information survives the merge.
	if retired.Dead && !retained.Dead {
		retained.Dead = true
		retained.CauseOfDeath = retired.CauseOfDeath
		if err := r.records.SavePatient(ctx, retained); err != nil {
			return err
		}
	}

	reason := fmt.Sprintf("Merged into patient #%s", retainedID)
	retired.Voided = true
	retired.VoidReason = &reason
	return r.records.SavePatient(ctx, retired)
}

func (r *Reconciler) voidDemographics(ctx context.Context, retiredID uuid.UUID) error {
	reason := fmt.Sprintf("Merged from patient #%s", retiredID)

	names, err := r.records.ListNames(ctx, retiredID)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n.Voided {
			continue
		}
		n.Voided = true
		n.VoidReason = &reason
		if err := r.records.SaveName(ctx, n); err != nil {
			return err
		}
	}

	addresses, err := r.records.ListAddresses(ctx, retiredID)
	if err != nil {
		return err
	}
	for _, a := range addresses {
		if a.Voided {
			continue
		}
		a.Voided = true
		a.VoidReason = &reason
		if err := r.records.SaveAddress(ctx, a); err != nil {
			return err
		}
	}

	attributes, err := r.records.ListAttributes(ctx, retiredID)
	if err != nil {
		return err
	}
	for _, a := range attributes {
		if a.Voided {
			continue
		}
		a.Voided = true
		a.VoidReason = &reason
		if err := r.records.SaveAttribute(ctx, a); err != nil {
			return err
		}
	}

	identifiers, err := r.records.ListIdentifiers(ctx, retiredID)
	if err != nil {
		return err
	}
	for _, i := range identifiers {
		if i.Voided {
			continue
		}
		i.Voided = true
		i.VoidReason = &reason
		if err := r.records.SaveIdentifier(ctx, i); err != nil {
			return err
		}
	}
	return nil
}
