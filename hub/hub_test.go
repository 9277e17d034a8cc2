package hub

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/opchat/model"
)

var (
	alice = model.Identity{Email: "alice@x.com", Name: "Alice"}
	bob   = model.Identity{Email: "bob@x.com", Name: "Bob"}
)

func newTestHub(t *testing.T) (*Hub, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := zerolog.Nop()
	return NewHub(&logger), ctx
}

// testWire buffers TX so broadcast delivery order does not block the test.
func testWire() model.Wire {
	return model.Wire{
		RX: make(chan model.Event),
		TX: make(chan model.Event, 8),
	}
}

func recv(t *testing.T, tx <-chan model.Event) model.Event {
	t.Helper()
	select {
	case ev := <-tx:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func expectSilence(t *testing.T, tx <-chan model.Event) {
	t.Helper()
	select {
	case ev := <-tx:
		t.Fatalf("unexpected event: %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMessage_EchoedToAllWithServerID(t *testing.T) {
	h, ctx := newTestHub(t)
	aw, bw := testWire(), testWire()
	require.NoError(t, h.Connect(ctx, "room1", alice, aw))
	require.NoError(t, h.Connect(ctx, "room1", bob, bw))

	aw.RX <- model.MessageEvent{Content: "ahoy"}

	for _, tx := range []<-chan model.Event{aw.TX, bw.TX} {
		ev := recv(t, tx)
		msg, ok := ev.(model.MessageEvent)
		require.True(t, ok)
		assert.NotEmpty(t, msg.MessageID, "server assigns the id")
		assert.Equal(t, "alice@x.com", msg.SenderEmail)
		assert.Equal(t, "ahoy", msg.Content)
		assert.Equal(t, model.KindText, msg.Kind)
	}

	hist := h.History("room1", 100, 0)
	require.Len(t, hist, 1)
	assert.Equal(t, []string{"alice@x.com"}, hist[0].ReadBy)
	assert.False(t, hist[0].CreatedAt.IsZero())
}

func TestMessage_EmptyContentDropped(t *testing.T) {
	h, ctx := newTestHub(t)
	aw := testWire()
	require.NoError(t, h.Connect(ctx, "room1", alice, aw))

	aw.RX <- model.MessageEvent{Content: "   "}

	expectSilence(t, aw.TX)
	assert.Empty(t, h.History("room1", 100, 0))
}

func TestTyping_ExcludesSender(t *testing.T) {
	h, ctx := newTestHub(t)
	aw, bw := testWire(), testWire()
	require.NoError(t, h.Connect(ctx, "room1", alice, aw))
	require.NoError(t, h.Connect(ctx, "room1", bob, bw))

	aw.RX <- model.TypingEvent{Typing: true}

	ev := recv(t, bw.TX)
	assert.Equal(t, model.TypingEvent{UserName: "Alice", Typing: true}, ev)
	expectSilence(t, aw.TX)
}

func TestReadReceipt_AppliedToTranscript(t *testing.T) {
	h, ctx := newTestHub(t)
	aw, bw := testWire(), testWire()
	require.NoError(t, h.Connect(ctx, "room1", alice, aw))
	require.NoError(t, h.Connect(ctx, "room1", bob, bw))

	aw.RX <- model.MessageEvent{Content: "read me"}
	echoed := recv(t, aw.TX).(model.MessageEvent)
	_ = recv(t, bw.TX)

	bw.RX <- model.ReadReceiptEvent{MessageID: echoed.MessageID}

	ev := recv(t, aw.TX)
	receipt, ok := ev.(model.ReadReceiptEvent)
	require.True(t, ok)
	assert.Equal(t, echoed.MessageID, receipt.MessageID)
	assert.Equal(t, "bob@x.com", receipt.UserEmail, "hub stamps the reader identity")

	require.Eventually(t, func() bool {
		hist := h.History("room1", 100, 0)
		return len(hist) == 1 && len(hist[0].ReadBy) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"alice@x.com", "bob@x.com"}, h.History("room1", 100, 0)[0].ReadBy)
}

func TestHistory_Paging(t *testing.T) {
	h, ctx := newTestHub(t)
	aw := testWire()
	require.NoError(t, h.Connect(ctx, "room1", alice, aw))

	for _, text := range []string{"one", "two", "three"} {
		aw.RX <- model.MessageEvent{Content: text}
		_ = recv(t, aw.TX)
	}

	page := h.History("room1", 2, 1)
	require.Len(t, page, 2)
	assert.Equal(t, "two", page[0].Content)
	assert.Equal(t, "three", page[1].Content)

	assert.Empty(t, h.History("room1", 10, 5))
	assert.Empty(t, h.History("no-such-room", 10, 0))
}

func TestDisconnect_StopsDelivery(t *testing.T) {
	h, ctx := newTestHub(t)
	aw, bw := testWire(), testWire()
	require.NoError(t, h.Connect(ctx, "room1", alice, aw))
	require.NoError(t, h.Connect(ctx, "room1", bob, bw))

	require.NoError(t, h.Disconnect("room1", bob.Email))
	aw.RX <- model.MessageEvent{Content: "just us"}

	_ = recv(t, aw.TX)
	expectSilence(t, bw.TX)

	// The transcript survives the disconnect.
	assert.Len(t, h.History("room1", 100, 0), 1)
}
