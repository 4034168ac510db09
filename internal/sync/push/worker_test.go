package push

import (
	"context"
	"fmt"
	"testing"
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

type memChangeLog struct {
	events []*feed.ChangeEvent
	nextID int64
}

func (m *memChangeLog) Record(_ context.Context, t idmap.EntityType, id uuid.UUID) error {
	m.nextID++
	m.events = append(m.events, &feed.ChangeEvent{ID: m.nextID, EntityType: t, InternalID: id})
	return nil
}

func (m *memChangeLog) Pending(_ context.Context, limit int) ([]*feed.ChangeEvent, error) {
	var out []*feed.ChangeEvent
	for _, e := range m.events {
		if e.ProcessedAt == nil {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memChangeLog) MarkProcessed(_ context.Context, ids []int64) error {
	now := time.Now()
	for _, id := range ids {
		for _, e := range m.events {
			if e.ID == id {
				e.ProcessedAt = &now
			}
		}
	}
	return nil
}

func (m *memChangeLog) pendingCount() int {
	n := 0
	for _, e := range m.events {
		if e.ProcessedAt == nil {
			n++
		}
	}
	return n
}

type memRecords struct {
	encounters map[uuid.UUID]*emr.Encounter
	orders     map[uuid.UUID][]*emr.Order
}

func (m *memRecords) GetEncounter(_ context.Context, id uuid.UUID) (*emr.Encounter, error) {
	return m.encounters[id], nil
}

func (m *memRecords) ListOrdersByEncounter(_ context.Context, encID uuid.UUID) ([]*emr.Order, error) {
	return m.orders[encID], nil
}

func (m *memRecords) ListObservationsByEncounter(context.Context, uuid.UUID) ([]*emr.Observation, error) {
	return nil, nil
}

type memMappings struct {
	items map[string]*idmap.Mapping
}

func mappingKey(t idmap.EntityType, internalID string) string {
	return string(t) + "|" + internalID
}

func (m *memMappings) FindByInternalID(_ context.Context, t idmap.EntityType, id string) (*idmap.Mapping, error) {
	return m.items[mappingKey(t, id)], nil
}

func (m *memMappings) SaveOrUpdate(_ context.Context, mp *idmap.Mapping) error {
	cp := *mp
	m.items[mappingKey(mp.Type, mp.InternalID)] = &cp
	return nil
}

type fakeUploader struct {
	posts, puts int
	postErrs    []error
	lastPayload []byte
}

func (f *fakeUploader) PostEncounter(_ context.Context, _ string, payload []byte) (string, error) {
	f.posts++
	f.lastPayload = payload
	if len(f.postErrs) > 0 {
		err := f.postErrs[0]
		f.postErrs = f.postErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("shr-enc-%d", f.posts), nil
}

func (f *fakeUploader) PutEncounter(context.Context, string, string, []byte) error {
	f.puts++
	return nil
}

type fixture struct {
	worker   *Worker
	changes  *memChangeLog
	records  *memRecords
	mappings *memMappings
	uploader *fakeUploader
	syncUser uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{
		changes:  &memChangeLog{},
		records:  &memRecords{encounters: map[uuid.UUID]*emr.Encounter{}, orders: map[uuid.UUID][]*emr.Order{}},
		mappings: &memMappings{items: map[string]*idmap.Mapping{}},
		uploader: &fakeUploader{},
		syncUser: uuid.New(),
	}
	f.worker = NewWorker(f.changes, f.records, f.mappings, f.uploader, transcoder.JSON{},
		telemetry.NewProvider("test"),
		Config{SHRBaseURL: "https://shr.example.org", SyncUser: f.syncUser, BatchSize: 10},
		zerolog.Nop())
	return f
}

// addEncounter registers a locally authored encounter for a mapped patient
// and logs the change.
func (f *fixture) addEncounter(t *testing.T) *emr.Encounter {
	t.Helper()
	author := uuid.New()
	enc := &emr.Encounter{
		ID:          uuid.New(),
		PatientID:   uuid.New(),
		Type:        "OPD",
		EncounterAt: time.Now().UTC(),
		CreatedBy:   author,
	}
	f.records.encounters[enc.ID] = enc
	_ = f.mappings.SaveOrUpdate(context.Background(), &idmap.Mapping{
		InternalID: enc.PatientID.String(),
		ExternalID: "98001000317",
		Type:       idmap.TypePatient,
	})
	_ = f.changes.Record(context.Background(), idmap.TypeEncounter, enc.ID)
	return enc
}

func TestRunOnce_CreatesEncounterAndChildMappings(t *testing.T) {
	f := newFixture()
	enc := f.addEncounter(t)
	order := &emr.Order{ID: uuid.New(), EncounterID: enc.ID, PatientID: enc.PatientID,
		Type: emr.OrderTypeDrug, Concept: "Paracetamol", ActivatedAt: time.Now()}
	f.records.orders[enc.ID] = []*emr.Order{order}

	if err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.uploader.posts != 1 || f.uploader.puts != 0 {
		t.Fatalf("posts=%d puts=%d, want 1 create", f.uploader.posts, f.uploader.puts)
	}

	em, _ := f.mappings.FindByInternalID(context.Background(), idmap.TypeEncounter, enc.ID.String())
	if em == nil || em.ExternalID != "shr-enc-1" {
		t.Fatalf("encounter mapping = %+v", em)
	}
	om, _ := f.mappings.FindByInternalID(context.Background(), idmap.TypeDrugOrder, order.ID.String())
	if om == nil {
		t.Fatal("no drug order mapping")
	}
	wantComposite := idmap.CompositeExternalID("shr-enc-1", order.ID.String())
	if om.ExternalID != wantComposite {
		t.Errorf("order external id = %q, want %q", om.ExternalID, wantComposite)
	}
	if f.changes.pendingCount() != 0 {
		t.Errorf("pending = %d, want 0", f.changes.pendingCount())
	}
}

func TestRunOnce_UpdatesMappedEncounter(t *testing.T) {
	f := newFixture()
	enc := f.addEncounter(t)
	_ = f.mappings.SaveOrUpdate(context.Background(), &idmap.Mapping{
		InternalID: enc.ID.String(), ExternalID: "shr-enc-77", Type: idmap.TypeEncounter,
	})

	if err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.uploader.posts != 0 || f.uploader.puts != 1 {
		t.Errorf("posts=%d puts=%d, want 1 update", f.uploader.posts, f.uploader.puts)
	}
}

func TestRunOnce_SkipsDownloadEcho(t *testing.T) {
	f := newFixture()
	enc := f.addEncounter(t)
	enc.ChangedBy = &f.syncUser

	if err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.uploader.posts+f.uploader.puts != 0 {
		t.Error("echoed a downloaded change back to the exchange")
	}
	if f.changes.pendingCount() != 0 {
		t.Error("echo event left pending")
	}
}

func TestRunOnce_SkipsUnmappedPatient(t *testing.T) {
	f := newFixture()
	enc := &emr.Encounter{ID: uuid.New(), PatientID: uuid.New(), CreatedBy: uuid.New(), EncounterAt: time.Now()}
	f.records.encounters[enc.ID] = enc
	_ = f.changes.Record(context.Background(), idmap.TypeEncounter, enc.ID)

	if err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.uploader.posts+f.uploader.puts != 0 {
		t.Error("uploaded an encounter for an unregistered patient")
	}
	if f.changes.pendingCount() != 0 {
		t.Error("event left pending")
	}
}

func TestRunOnce_CollapsesRepeatedEdits(t *testing.T) {
	f := newFixture()
	enc := f.addEncounter(t)
	_ = f.changes.Record(context.Background(), idmap.TypeEncounter, enc.ID)
	_ = f.changes.Record(context.Background(), idmap.TypeEncounter, enc.ID)

	if err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.uploader.posts != 1 {
		t.Errorf("posts = %d, want 1 (repeated edits collapsed)", f.uploader.posts)
	}
	if f.changes.pendingCount() != 0 {
		t.Errorf("pending = %d, want 0", f.changes.pendingCount())
	}
}

func TestRunOnce_RetriesOnceAfterUnauthorized(t *testing.T) {
	f := newFixture()
	f.addEncounter(t)
	f.uploader.postErrs = []error{exchange.ErrUnauthorized}

	if err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.uploader.posts != 2 {
		t.Errorf("posts = %d, want 2 (one retry with fresh credentials)", f.uploader.posts)
	}
	if f.changes.pendingCount() != 0 {
		t.Error("event left pending after successful retry")
	}
}

func TestRunOnce_PersistentUnauthorizedAborts(t *testing.T) {
	f := newFixture()
	f.addEncounter(t)
	f.uploader.postErrs = []error{exchange.ErrUnauthorized, exchange.ErrUnauthorized}

	if err := f.worker.RunOnce(context.Background()); err == nil {
		t.Fatal("want error when credentials stay rejected")
	}
	if f.changes.pendingCount() != 1 {
		t.Errorf("pending = %d, want 1 (event kept for next run)", f.changes.pendingCount())
	}
}

func TestRunOnce_SecondRunIsNoOp(t *testing.T) {
	f := newFixture()
	f.addEncounter(t)

	if err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.uploader.posts != 1 {
		t.Errorf("posts = %d, want 1 (drained outbox pushes nothing)", f.uploader.posts)
	}
}
