package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"escrowflow/logging"
)

func TestWebhookSenderSignsPayload(t *testing.T) {
	var body []byte
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, "s3cret", srv.Client())
	err := s.Send(context.Background(), Delivery{NotificationID: "CRIT-1", Channel: ChannelPush, Recipient: "buyer", Title: "t"})
	require.NoError(t, err)
	require.True(t, VerifySignature("s3cret", body, signature))
	require.False(t, VerifySignature("other", body, signature))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, "CRIT-1", decoded["notification_id"])
}

func TestWebhookSenderClassifiesFailures(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	s := NewWebhookSender(srv.URL, "k", srv.Client())

	status.Store(http.StatusServiceUnavailable)
	err := s.Send(context.Background(), Delivery{})
	require.Error(t, err)
	var permanent *backoff.PermanentError
	require.NotErrorAs(t, err, &permanent)

	status.Store(http.StatusBadRequest)
	err = s.Send(context.Background(), Delivery{})
	require.ErrorAs(t, err, &permanent)
}

func TestHubDeliversToSubscriber(t *testing.T) {
	hub := NewHub(logging.Discard())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("user"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=buyer"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return hub.Subscribers("buyer") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Send(ctx, Delivery{NotificationID: "CRIT-9", Recipient: "seller"}))
	require.NoError(t, hub.Send(ctx, Delivery{NotificationID: "CRIT-1", Recipient: "buyer", Title: "Funds released"}))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var got Delivery
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "CRIT-1", got.NotificationID)
	require.Equal(t, "Funds released", got.Title)
}

func TestHubRefusesForeignOrigins(t *testing.T) {
	hub := NewHub(logging.Discard(), "app.example.com")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "buyer")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := func(origin string) (*http.Response, error) {
		conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{origin}},
		})
		if err == nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
		return resp, err
	}

	resp, err := dial("https://evil.example.net")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err = dial("https://app.example.com")
	require.NoError(t, err)
	_, err = dial(srv.URL)
	require.NoError(t, err)
}

func TestHubSendWithoutSubscribers(t *testing.T) {
	hub := NewHub(logging.Discard())
	require.NoError(t, hub.Send(context.Background(), Delivery{Recipient: "nobody"}))
	require.Zero(t, hub.Subscribers("nobody"))
}
