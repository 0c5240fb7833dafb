package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBrevo(t *testing.T, sandbox bool, handler http.HandlerFunc) *BrevoClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewBrevoClient("key-123", "desk@example.com", "", sandbox)
	require.NotNil(t, c)
	c.endpoint = srv.URL
	c.httpClient = srv.Client()
	return c
}

func TestNewBrevoClientRequiresCredentials(t *testing.T) {
	require.Nil(t, NewBrevoClient("", "desk@example.com", "Desk", false))
	require.Nil(t, NewBrevoClient("key", " ", "Desk", false))
}

func TestBrevoSend(t *testing.T) {
	var got brevoSendRequest
	c := newTestBrevo(t, true, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "key-123", r.Header.Get("api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageId":"<201@smtp-relay>"}`))
	})

	id, err := c.Send(context.Background(), "amal@example.com", "Amal", "Your quote", "hello")
	require.NoError(t, err)
	require.Equal(t, "<201@smtp-relay>", id)
	require.Equal(t, "desk@example.com", got.Sender.Name)
	require.Equal(t, "hello", got.TextContent)
	require.Equal(t, "drop", got.Headers["X-Sib-Sandbox"])
	require.Equal(t, []brevoRecipient{{Email: "amal@example.com", Name: "Amal"}}, got.To)
}

func TestBrevoSendErrors(t *testing.T) {
	c := newTestBrevo(t, false, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"invalid_parameter"}`))
	})
	_, err := c.Send(context.Background(), "amal@example.com", "", "s", "b")
	require.ErrorContains(t, err, "status=400")

	_, err = c.Send(context.Background(), "", "", "s", "b")
	require.ErrorContains(t, err, "missing recipient")

	var nilClient *BrevoClient
	_, err = nilClient.Send(context.Background(), "a@example.com", "", "s", "b")
	require.Error(t, err)
}

func TestBrevoMissingMessageID(t *testing.T) {
	c := newTestBrevo(t, false, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := c.Send(context.Background(), "a@example.com", "", "s", "b")
	require.ErrorContains(t, err, "missing messageId")
}
