package wastesyncsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal wastesync HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID and Role are sent as headers when no token is set; servers
	// only accept them in development mode.
	ActorID    string
	Role       string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// WorkItem represents an active work item.
type WorkItem struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	OwnerRef  *string         `json:"owner_ref,omitempty"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// ArchiveRecord represents an archived work item.
type ArchiveRecord struct {
	ID         string          `json:"id"`
	SourceID   string          `json:"source_id"`
	Kind       string          `json:"kind"`
	OwnerRef   *string         `json:"owner_ref,omitempty"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UpdatedAt  string          `json:"updated_at"`
	ArchivedAt string          `json:"archived_at"`
}

type Warning struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Kind     string `json:"kind,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
}

// Move is the result of an archive or restore. Warnings carries
// partial_move when the source delete was left to the server's sweeper.
type Move struct {
	Key           string         `json:"key"`
	Kind          string         `json:"kind"`
	Direction     string         `json:"direction"`
	SourceID      string         `json:"source_id"`
	Replayed      bool           `json:"replayed"`
	SourceRemoved bool           `json:"source_removed"`
	Item          *WorkItem      `json:"item,omitempty"`
	Archived      *ArchiveRecord `json:"archived,omitempty"`
	Warnings      []Warning      `json:"warnings"`
}

type StatusEvent struct {
	WorkItemID string `json:"work_item_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Response   string `json:"response,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

type Notification struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`
	OwnerRef   string `json:"owner_ref"`
	Kind       string `json:"kind,omitempty"`
	Message    string `json:"message"`
	Status     string `json:"status"`
	Response   string `json:"response,omitempty"`
	Read       bool   `json:"read"`
	UpdatedAt  string `json:"updated_at"`
}

// Transition is the outcome of a status change. Applied is false when the
// server already held a newer status.
type Transition struct {
	Event        StatusEvent   `json:"event"`
	Previous     string        `json:"previous"`
	Applied      bool          `json:"applied"`
	Superseded   bool          `json:"superseded"`
	Notification *Notification `json:"notification,omitempty"`
	Warnings     []Warning     `json:"warnings"`
}

// TransitionInput are the optional parts of a status change.
type TransitionInput struct {
	Response   string `json:"response,omitempty"`
	At         string `json:"at,omitempty"`
	Force      bool   `json:"force,omitempty"`
	SkipNotify bool   `json:"skip_notify,omitempty"`
}

// Event is one message of the change stream.
type Event struct {
	Type      string          `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	Table     string          `json:"table,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	RowID     string          `json:"row_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty"`
	Row       json.RawMessage `json:"row,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Warning   *Warning        `json:"warning,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CreateItem creates a work item of kind. An empty id lets the server pick
// one.
func (c *Client) CreateItem(ctx context.Context, kind, id string, payload any) (WorkItem, error) {
	body := map[string]any{"payload": payload}
	if id != "" {
		body["id"] = id
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.kindPath(kind, "items"), body, &resp)
	return resp, err
}

func (c *Client) GetItem(ctx context.Context, kind, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.kindPath(kind, "items/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) ListItems(ctx context.Context, kind, status string) ([]WorkItem, error) {
	endpoint := c.kindPath(kind, "items")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []WorkItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Archive moves an active item to the archive. Retrying after a timeout is
// safe; the server converges on one archive row.
func (c *Client) Archive(ctx context.Context, kind, id string) (Move, error) {
	var resp Move
	err := c.do(ctx, http.MethodPost, c.kindPath(kind, "items/"+url.PathEscape(id)+"/archive"), nil, &resp)
	return resp, err
}

func (c *Client) Restore(ctx context.Context, kind, sourceID string) (Move, error) {
	var resp Move
	err := c.do(ctx, http.MethodPost, c.kindPath(kind, "archive/"+url.PathEscape(sourceID)+"/restore"), nil, &resp)
	return resp, err
}

func (c *Client) Transition(ctx context.Context, kind, id, status string, in TransitionInput) (Transition, error) {
	body := struct {
		Status string `json:"status"`
		TransitionInput
	}{Status: status, TransitionInput: in}
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.kindPath(kind, "items/"+url.PathEscape(id)+"/transition"), body, &resp)
	return resp, err
}

func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := "v0/notifications"
	if unreadOnly {
		endpoint += "?unread_only=true"
	}
	var resp struct {
		Items []Notification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) MarkRead(ctx context.Context, id string) (Notification, error) {
	var resp Notification
	err := c.do(ctx, http.MethodPost, "v0/notifications/"+url.PathEscape(id)+"/read", nil, &resp)
	return resp, err
}

// Stream follows the change stream of kinds and calls fn for every event
// until ctx is done, the server closes the stream, or fn returns an error.
// An event of type "resync" means the caller must reload its state.
func (c *Client) Stream(ctx context.Context, kinds []string, fn func(Event) error) error {
	q := url.Values{}
	if len(kinds) > 0 {
		q.Set("kinds", strings.Join(kinds, ","))
	}
	endpoint := "v0/feed/stream"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// the stream outlives any request timeout
	client := c.HTTPClient
	if client == nil || client.Timeout != 0 {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	return readEvents(resp.Body, fn)
}

// readEvents decodes a text/event-stream body. Only data lines matter; the
// sequence number is also inside the payload.
func readEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var data bytes.Buffer
	var id string
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		defer data.Reset()
		var ev Event
		if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if ev.Seq == 0 && id != "" {
			ev.Seq, _ = strconv.ParseInt(id, 10, 64)
		}
		return fn(ev)
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
			id = ""
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		req.Header.Set("X-Role", c.Role)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(resp *http.Response) *APIError {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
	}
	return apiErr
}

func (c *Client) kindPath(kind, p string) string {
	return fmt.Sprintf("v0/kinds/%s/%s", url.PathEscape(kind), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
