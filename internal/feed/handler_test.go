package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type memFailedEvents struct {
	items  []*FailedEvent
	nextID int64
}

func (m *memFailedEvents) Record(_ context.Context, feedURI, eventID, cause string, payload []byte) error {
	for _, f := range m.items {
		if f.FeedURI == feedURI && f.EventID == eventID {
			f.Error = cause
			f.Retries++
			return nil
		}
	}
	m.nextID++
	m.items = append(m.items, &FailedEvent{ID: m.nextID, FeedURI: feedURI, EventID: eventID, Error: cause, Payload: payload})
	return nil
}

func (m *memFailedEvents) List(_ context.Context, limit int) ([]*FailedEvent, error) {
	if len(m.items) > limit {
		return m.items[:limit], nil
	}
	return m.items, nil
}

func (m *memFailedEvents) Delete(_ context.Context, id int64) error {
	for i, f := range m.items {
		if f.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func TestHandlerList(t *testing.T) {
	repo := &memFailedEvents{}
	_ = repo.Record(context.Background(), "/catchments/3026/encounters", "ev-1", "boom", nil)
	_ = repo.Record(context.Background(), "/catchments/3026/encounters", "ev-2", "boom again", nil)

	e := echo.New()
	NewHandler(repo).RegisterRoutes(e.Group("/admin"))

	req := httptest.NewRequest(http.MethodGet, "/admin/failed-events", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Total int            `json:"total"`
		Items []*FailedEvent `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 {
		t.Errorf("total = %d, want 2", body.Total)
	}
}

func TestHandlerList_BadLimit(t *testing.T) {
	e := echo.New()
	NewHandler(&memFailedEvents{}).RegisterRoutes(e.Group("/admin"))

	req := httptest.NewRequest(http.MethodGet, "/admin/failed-events?limit=zero", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerDelete(t *testing.T) {
	repo := &memFailedEvents{}
	_ = repo.Record(context.Background(), "/catchments/3026/encounters", "ev-1", "boom", nil)

	e := echo.New()
	NewHandler(repo).RegisterRoutes(e.Group("/admin"))

	req := httptest.NewRequest(http.MethodDelete, "/admin/failed-events/1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(repo.items) != 0 {
		t.Errorf("items = %d, want 0", len(repo.items))
	}
}

func TestRecordBumpsRetries(t *testing.T) {
	repo := &memFailedEvents{}
	_ = repo.Record(context.Background(), "/f", "ev", "first", nil)
	_ = repo.Record(context.Background(), "/f", "ev", "second", nil)

	if len(repo.items) != 1 {
		t.Fatalf("items = %d, want 1", len(repo.items))
	}
	if repo.items[0].Retries != 1 {
		t.Errorf("retries = %d, want 1", repo.items[0].Retries)
	}
	if repo.items[0].Error != "second" {
		t.Errorf("error = %q, want latest cause", repo.items[0].Error)
	}
}
