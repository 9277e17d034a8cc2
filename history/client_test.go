package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := zerolog.Nop()
	return NewClient(Config{Logger: &logger, BaseURL: srv.URL})
}

func TestFetch_BareArray(t *testing.T) {
	var gotPath, gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[{"id":"m1","sender_email":"a@x.com","sender_name":"Alice","content":"hi","message_type":"text","is_public":true}]`))
	})

	msgs, err := c.Fetch(context.Background(), "room-7", 50, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "/api/rooms/room-7/messages", gotPath)
	assert.Equal(t, "limit=50&offset=10", gotQuery)
}

func TestFetch_Envelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"m1","sender_email":"a@x.com","content":"hi"},{"id":"m2","sender_email":"b@x.com","content":"yo"}]}`))
	})

	msgs, err := c.Fetch(context.Background(), "room-7", 100, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestFetch_EmptyEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	msgs, err := c.Fetch(context.Background(), "room-7", 100, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFetch_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Fetch(context.Background(), "room-7", 100, 0)
	assert.ErrorIs(t, err, ErrRequest)
}

func TestFetch_MalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := c.Fetch(context.Background(), "room-7", 100, 0)
	assert.ErrorIs(t, err, ErrRequest)
}
