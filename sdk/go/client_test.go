package wastesyncsdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEvents(t *testing.T) {
	body := strings.Join([]string{
		"id: 7",
		"event: change",
		`data: {"type":"inserted","table":"reports","row_id":"R1"}`,
		"",
		": keepalive",
		"",
		"id: 8",
		`data: {"type":"resync","reason":"subscriber overflow"}`,
		"",
	}, "\n")
	var got []Event
	err := readEvents(strings.NewReader(body), func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "inserted", got[0].Type)
	assert.Equal(t, int64(7), got[0].Seq)
	assert.Equal(t, "R1", got[0].RowID)
	assert.Equal(t, "resync", got[1].Type)
	assert.Equal(t, "subscriber overflow", got[1].Reason)
}

func TestReadEventsStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	body := "data: {\"type\":\"inserted\"}\n\ndata: {\"type\":\"deleted\"}\n\n"
	calls := 0
	err := readEvents(strings.NewReader(body), func(Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestStreamSendsKindsAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/feed/stream", r.URL.Path)
		assert.Equal(t, "report,schedule", r.URL.Query().Get("kinds"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 1\ndata: {\"type\":\"updated\",\"table\":\"schedules\"}\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	var got []Event
	err := c.Stream(context.Background(), []string{"report", "schedule"}, func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "schedules", got[0].Table)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "resident-1", r.Header.Get("X-Actor-Id"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":{"code":"invalid_transition","message":"nope"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.ActorID = "resident-1"
	c.Role = "resident"
	_, err := c.Transition(context.Background(), "report", "R1", "Resolved", TransitionInput{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)
}
