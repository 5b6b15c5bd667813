package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/calmirror/calmirror/internal/retry"
)

// maxPages caps pagination so a misbehaving provider cannot keep a sync run
// alive indefinitely.
const maxPages = 500

// Client is the REST implementation of Provider. Every request goes through
// the shared retry policy; transient failures are retried with backoff,
// fatal and cursor-invalid responses abort immediately.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      retry.Policy
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithToken sets the bearer token attached to every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithRetryPolicy overrides the retry policy for provider calls.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) {
		c.retry = p
	}
}

// NewClient creates a provider client for the given API base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListEvents implements Provider. It follows pagination until the provider
// reports no further pages (or the page cap is reached) and returns the
// sync cursor issued with the final page.
func (c *Client) ListEvents(ctx context.Context, calendarID string, opts ListOptions) ([]Event, string, error) {
	query := url.Values{}
	if opts.Cursor != "" {
		query.Set("syncToken", opts.Cursor)
	} else if !opts.MinEndTime.IsZero() {
		query.Set("timeMin", opts.MinEndTime.UTC().Format(time.RFC3339))
	}
	if opts.MirroredOnly {
		query.Set("privateExtendedProperty", CreatedByKey+"="+AppTag)
		query.Set("showDeleted", "true")
	}

	var events []Event
	var nextCursor string
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))

	for page := 1; ; page++ {
		var resp listResponse
		if err := c.do(ctx, http.MethodGet, path, query, nil, &resp); err != nil {
			return nil, "", err
		}

		for _, dto := range resp.Items {
			ev, err := dto.toEvent()
			if err != nil {
				return nil, "", fmt.Errorf("failed to decode event %q: %w", dto.ID, err)
			}
			events = append(events, ev)
		}
		nextCursor = resp.NextSyncToken

		if resp.NextPageToken == "" {
			break
		}
		if page >= maxPages {
			slog.Warn("Event listing hit the page cap, truncating",
				"calendar", calendarID,
				"pages", page)
			break
		}
		query.Set("pageToken", resp.NextPageToken)
	}

	slog.Debug("Listed calendar events",
		"calendar", calendarID,
		"count", len(events),
		"incremental", opts.Cursor != "")
	return events, nextCursor, nil
}

// CreateEvent implements Provider.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, ev Event) error {
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))
	return c.do(ctx, http.MethodPost, path, nil, eventToDTO(ev), nil)
}

// UpdateEvent implements Provider.
func (c *Client) UpdateEvent(ctx context.Context, calendarID string, ev Event) error {
	if ev.ID == "" {
		return fmt.Errorf("cannot update an event without an id")
	}
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(ev.ID))
	return c.do(ctx, http.MethodPatch, path, nil, eventToDTO(ev), nil)
}

// DeleteEvent implements Provider.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Watch implements Provider.
func (c *Client) Watch(ctx context.Context, calendarID string, req WatchRequest) (*Channel, error) {
	body := watchRequestDTO{
		ID:      req.ChannelID,
		Type:    "web_hook",
		Address: req.Address,
		Token:   req.Token,
		Payload: true,
	}
	if req.TTL > 0 {
		body.Expiration = time.Now().Add(req.TTL).UnixMilli()
	}

	var resp watchResponseDTO
	path := fmt.Sprintf("/calendars/%s/events/watch", url.PathEscape(calendarID))
	if err := c.do(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
		return nil, err
	}

	return &Channel{
		ID:         req.ChannelID,
		ResourceID: resp.ResourceID,
		Expiry:     time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

// Stop implements Provider.
func (c *Client) Stop(ctx context.Context, channelID, resourceID string) error {
	body := stopRequestDTO{ID: channelID, ResourceID: resourceID}
	return c.do(ctx, http.MethodPost, "/channels/stop", nil, body, nil)
}

// do performs one API call under the retry policy. The request is rebuilt
// for each attempt so bodies can be resent.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return c.retry.Do(ctx, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network-level failures are retryable.
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			apiErr := &APIError{
				Class:      classifyStatus(resp.StatusCode),
				StatusCode: resp.StatusCode,
				Message:    readErrorMessage(resp.Body),
			}
			if IsTransient(apiErr) {
				return apiErr
			}
			return retry.Permanent(apiErr)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return nil
	})
}

// readErrorMessage extracts the provider's error message if the body
// carries the conventional {"error": {"message": ...}} envelope.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Message == "" {
		return strings.TrimSpace(string(data))
	}
	return envelope.Error.Message
}

// Wire types.

type listResponse struct {
	Items         []eventDTO `json:"items"`
	NextPageToken string     `json:"nextPageToken,omitempty"`
	NextSyncToken string     `json:"nextSyncToken,omitempty"`
}

type eventDTO struct {
	ID                 string                 `json:"id,omitempty"`
	Status             string                 `json:"status,omitempty"`
	Summary            string                 `json:"summary,omitempty"`
	Description        string                 `json:"description,omitempty"`
	Location           string                 `json:"location,omitempty"`
	Start              *eventTimeDTO          `json:"start,omitempty"`
	End                *eventTimeDTO          `json:"end,omitempty"`
	Recurrence         []string               `json:"recurrence,omitempty"`
	RecurringEventID   string                 `json:"recurringEventId,omitempty"`
	OriginalStartTime  *eventTimeDTO          `json:"originalStartTime,omitempty"`
	Attendees          []attendeeDTO          `json:"attendees,omitempty"`
	Reminders          *Reminders             `json:"reminders,omitempty"`
	ExtendedProperties *extendedPropertiesDTO `json:"extendedProperties,omitempty"`
}

type eventTimeDTO struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type attendeeDTO struct {
	Email string `json:"email"`
}

type extendedPropertiesDTO struct {
	Private map[string]string `json:"private,omitempty"`
}

type watchRequestDTO struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Address    string `json:"address"`
	Token      string `json:"token,omitempty"`
	Payload    bool   `json:"payload"`
	Expiration int64  `json:"expiration,omitempty"`
}

type watchResponseDTO struct {
	ResourceID string `json:"resourceId"`
	Expiration int64  `json:"expiration,string"`
}

type stopRequestDTO struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
}

func (d eventDTO) toEvent() (Event, error) {
	ev := Event{
		ID:               d.ID,
		Status:           d.Status,
		Summary:          d.Summary,
		Description:      d.Description,
		Location:         d.Location,
		Recurrence:       d.Recurrence,
		RecurringEventID: d.RecurringEventID,
		Reminders:        d.Reminders,
	}

	var err error
	if ev.Start, err = timeFromDTO(d.Start); err != nil {
		return Event{}, err
	}
	if ev.End, err = timeFromDTO(d.End); err != nil {
		return Event{}, err
	}
	if ev.OriginalStart, err = timeFromDTO(d.OriginalStartTime); err != nil {
		return Event{}, err
	}

	for _, a := range d.Attendees {
		ev.Attendees = append(ev.Attendees, a.Email)
	}
	if d.ExtendedProperties != nil {
		ev.PrivateProperties = d.ExtendedProperties.Private
	}
	return ev, nil
}

func eventToDTO(ev Event) eventDTO {
	dto := eventDTO{
		ID:               ev.ID,
		Status:           ev.Status,
		Summary:          ev.Summary,
		Description:      ev.Description,
		Location:         ev.Location,
		Recurrence:       ev.Recurrence,
		RecurringEventID: ev.RecurringEventID,
		Reminders:        ev.Reminders,
		Start:            timeToDTO(ev.Start),
		End:              timeToDTO(ev.End),
	}
	dto.OriginalStartTime = timeToDTO(ev.OriginalStart)

	for _, email := range ev.Attendees {
		dto.Attendees = append(dto.Attendees, attendeeDTO{Email: email})
	}
	if len(ev.PrivateProperties) > 0 {
		dto.ExtendedProperties = &extendedPropertiesDTO{Private: ev.PrivateProperties}
	}
	return dto
}

func timeFromDTO(d *eventTimeDTO) (EventTime, error) {
	if d == nil {
		return EventTime{}, nil
	}
	et := EventTime{Date: d.Date, TimeZone: d.TimeZone}
	if d.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, d.DateTime)
		if err != nil {
			return EventTime{}, fmt.Errorf("invalid dateTime %q: %w", d.DateTime, err)
		}
		et.DateTime = &parsed
	}
	return et, nil
}

func timeToDTO(et EventTime) *eventTimeDTO {
	if et.IsZero() {
		return nil
	}
	dto := &eventTimeDTO{Date: et.Date, TimeZone: et.TimeZone}
	if et.DateTime != nil {
		dto.DateTime = et.DateTime.Format(time.RFC3339)
	}
	return dto
}
