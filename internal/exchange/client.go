package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthorized reports that the exchange rejected our credentials.
	ErrUnauthorized = errors.New("exchange: unauthorized")
	// ErrNotFound reports that the remote resource does not exist.
	ErrNotFound = errors.New("exchange: not found")
)

// ClientConfig carries the endpoints of the shared health record and the
// master patient index.
type ClientConfig struct {
	SHRBaseURL string
	MPIBaseURL string
	Email      string
	ClientID   string
	Timeout    time.Duration
}

// Client talks to the shared health record and the master patient index.
// Every request carries the identity provider's current access token; a
// 401 or 403 invalidates the cached token and surfaces ErrUnauthorized so
// the caller can retry once with fresh credentials.
type Client struct {
	shr      *resty.Client
	mpi      *resty.Client
	identity *IdentityProvider
	cfg      ClientConfig
	log      zerolog.Logger
}

func NewClient(cfg ClientConfig, identity *IdentityProvider, log zerolog.Logger) *Client {
	newREST := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json")
	}
	return &Client{
		shr:      newREST(cfg.SHRBaseURL),
		mpi:      newREST(cfg.MPIBaseURL),
		identity: identity,
		cfg:      cfg,
		log:      log.With().Str("component", "exchange").Logger(),
	}
}

func (c *Client) request(ctx context.Context, rest *resty.Client) (*resty.Request, error) {
	token, err := c.identity.Token(ctx)
	if err != nil {
		return nil, err
	}
	return rest.R().
		SetContext(ctx).
		SetHeader("X-Auth-Token", token).
		SetHeader("client_id", c.cfg.ClientID).
		SetHeader("From", c.cfg.Email), nil
}

func (c *Client) checkStatus(resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		c.identity.Invalidate()
		return ErrUnauthorized
	case resp.StatusCode() == http.StatusNotFound:
		return ErrNotFound
	case resp.IsError():
		return fmt.Errorf("exchange: status %d: %s", resp.StatusCode(), resp.Body())
	}
	return nil
}

// PostEncounter uploads a new encounter document and returns the encounter
// id the exchange assigned to it.
func (c *Client) PostEncounter(ctx context.Context, healthID string, payload []byte) (string, error) {
	req, err := c.request(ctx, c.shr)
	if err != nil {
		return "", err
	}
	var body struct {
		EncounterID string `json:"encounterId"`
	}
	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&body).
		Post(fmt.Sprintf("/patients/%s/encounters", healthID))
	if err != nil {
		return "", fmt.Errorf("post encounter: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		return "", fmt.Errorf("post encounter: %w", err)
	}
	if body.EncounterID != "" {
		return body.EncounterID, nil
	}
	// Some deployments answer 201 with a Location header instead of a body.
	if loc := resp.Header().Get("Location"); loc != "" {
		return path.Base(loc), nil
	}
	return "", fmt.Errorf("post encounter: response carries no encounter id")
}

// PutEncounter replaces an encounter document already known to the
// exchange.
func (c *Client) PutEncounter(ctx context.Context, healthID, encounterID string, payload []byte) error {
	req, err := c.request(ctx, c.shr)
	if err != nil {
		return err
	}
	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Put(fmt.Sprintf("/patients/%s/encounters/%s", healthID, encounterID))
	if err != nil {
		return fmt.Errorf("put encounter: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		return fmt.Errorf("put encounter: %w", err)
	}
	return nil
}

// GetFeedPage reads one page of the catchment encounter feed, starting
// after the given event id. An empty afterEventID reads from the start.
func (c *Client) GetFeedPage(ctx context.Context, feedURI, afterEventID string) (*FeedPage, error) {
	req, err := c.request(ctx, c.shr)
	if err != nil {
		return nil, err
	}
	if afterEventID != "" {
		req.SetQueryParam("after", afterEventID)
	}
	var page FeedPage
	resp, err := req.SetResult(&page).Get(feedURI)
	if err != nil {
		return nil, fmt.Errorf("get feed page: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, fmt.Errorf("get feed page: %w", err)
	}
	return &page, nil
}

// GetEncounter downloads a single encounter document.
func (c *Client) GetEncounter(ctx context.Context, healthID, encounterID string) (json.RawMessage, error) {
	req, err := c.request(ctx, c.shr)
	if err != nil {
		return nil, err
	}
	resp, err := req.Get(fmt.Sprintf("/patients/%s/encounters/%s", healthID, encounterID))
	if err != nil {
		return nil, fmt.Errorf("get encounter: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, fmt.Errorf("get encounter: %w", err)
	}
	return json.RawMessage(resp.Body()), nil
}

// GetPatient looks a patient up on the master patient index.
func (c *Client) GetPatient(ctx context.Context, healthID string) (*RemotePatient, error) {
	req, err := c.request(ctx, c.mpi)
	if err != nil {
		return nil, err
	}
	var p RemotePatient
	resp, err := req.SetResult(&p).Get(fmt.Sprintf("/api/default/patients/%s", healthID))
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return &p, nil
}
