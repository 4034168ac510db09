package exchange

import (
	"encoding/json"
	"time"
)

// FeedEntry is one event on the remote encounter feed.
type FeedEntry struct {
	EventID     string          `json:"eventId"`
	EncounterID string          `json:"encounterId"`
	PublishedAt time.Time       `json:"publishedAt"`
	Content     json.RawMessage `json:"content"`
}

// FeedPage is one page of the remote encounter feed. Next is empty on the
// last page.
type FeedPage struct {
	Entries []FeedEntry `json:"entries"`
	Next    string      `json:"next,omitempty"`
}

// RemotePatient is the master-patient-index view of a patient. Active is
// false and MergedWith set when the record has been merged away.
type RemotePatient struct {
	HealthID   string     `json:"hid"`
	GivenName  string     `json:"given_name"`
	FamilyName string     `json:"sur_name"`
	Gender     string     `json:"gender"`
	BirthDate  *time.Time `json:"date_of_birth,omitempty"`
	Active     bool       `json:"active"`
	MergedWith string     `json:"merged_with,omitempty"`
}
