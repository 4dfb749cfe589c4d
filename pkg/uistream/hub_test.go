package uistream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-order/pkg/voice/session"
)

func TestPublish_FansOutPerDevice(t *testing.T) {
	h := NewHub(Config{})
	a1 := h.Subscribe("kiosk-1")
	a2 := h.Subscribe("kiosk-1")
	b := h.Subscribe("kiosk-2")
	defer a1.Close()
	defer a2.Close()
	defer b.Close()

	h.Publish(session.UIEvent{SessionID: "sess_1", DeviceID: "kiosk-1", Phase: "LISTENING"})

	for _, s := range []*Subscription{a1, a2} {
		select {
		case payload := <-s.Events():
			var ev session.UIEvent
			require.NoError(t, json.Unmarshal(payload, &ev))
			assert.Equal(t, "LISTENING", ev.Phase)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	select {
	case <-b.Events():
		t.Fatal("other device received the event")
	default:
	}
}

func TestPublish_SlowSubscriberDropped(t *testing.T) {
	h := NewHub(Config{Buffer: 2})
	slow := h.Subscribe("kiosk-1")

	for i := 0; i < 3; i++ {
		h.Publish(session.UIEvent{DeviceID: "kiosk-1", Phase: "LISTENING"})
	}

	n := 0
	for range slow.Events() {
		n++
	}
	assert.Equal(t, 2, n)
	assert.True(t, slow.Dropped())
	assert.Zero(t, h.Subscribers("kiosk-1"))
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	h := NewHub(Config{})
	h.Publish(session.UIEvent{DeviceID: "nobody"})
	assert.Zero(t, h.Subscribers("nobody"))
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := NewHub(Config{})
	s := h.Subscribe("kiosk-1")
	s.Close()
	s.Close()
	_, ok := <-s.Events()
	assert.False(t, ok)
	assert.False(t, s.Dropped())
}

func TestServeWS_StreamsEventsAndWarnings(t *testing.T) {
	h := NewHub(Config{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "kiosk-1")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers("kiosk-1") == 1 }, time.Second, 5*time.Millisecond)
	h.Publish(session.UIEvent{SessionID: "sess_1", DeviceID: "kiosk-1", Phase: "AWAITING_RESPONSE", Signal: session.SignalOrderUpdated})
	require.NoError(t, h.Warn("kiosk-1", "draining", "server restarting"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev session.UIEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, session.SignalOrderUpdated, ev.Signal)
	require.NoError(t, conn.ReadJSON(&ev))
	require.NotNil(t, ev.Error)
	assert.Equal(t, "draining", ev.Error.Code)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Subscribers("kiosk-1") == 0 }, time.Second, 5*time.Millisecond)
}
