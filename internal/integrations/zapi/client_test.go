package zapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
	name  string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	f.name = name
	return f.val, f.err
}

func newTestClient(t *testing.T, srv *httptest.Server, g *fakeGetter) *Client {
	t.Helper()
	c, err := NewClient(g, "/concierge", "INST1", WithBaseURL(srv.URL), WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/c", "i")
	require.Error(t, err)
	_, err = NewClient(&fakeGetter{}, "", "i")
	require.Error(t, err)
	_, err = NewClient(&fakeGetter{}, "/c", " ")
	require.Error(t, err)

	c, err := NewClient(&fakeGetter{}, "/c", "i", WithBaseURL(" "))
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
}

func TestSendTextURL(t *testing.T) {
	require.Equal(t, "https://api.z-api.io/instances/ABC/token/T0K/send-text", sendTextURL("", "ABC", "T0K"))
	require.Equal(t, "http://gw/instances/A%2FB/token/t/send-text", sendTextURL("http://gw/", "A/B", "t"))
}

func TestSend_HappyPath(t *testing.T) {
	var got sendTextRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/instances/INST1/token/tok-1/send-text", r.URL.Path)
		require.Equal(t, "client-1", r.Header.Get("Client-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"zaapId":"z1","messageId":"m1","id":"m1"}`))
	}))
	defer srv.Close()

	g := &fakeGetter{val: `{"token":"tok-1","client_token":"client-1"}`}
	c := newTestClient(t, srv, g)

	require.NoError(t, c.Send(context.Background(), "5511999990000", "Olá!"))
	require.NoError(t, c.Send(context.Background(), "5511999990000", "De novo"))
	require.Equal(t, sendTextRequest{Phone: "5511999990000", Message: "De novo"}, got)
	require.Equal(t, 1, g.calls)
	require.Equal(t, "/concierge/zapi-token", g.name)
}

func TestSend_NoClientTokenHeaderWhenUnset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.Header["Client-Token"]
		require.False(t, present)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGetter{val: `{"token":"tok-1"}`})
	require.NoError(t, c.Send(context.Background(), "5511", "oi"))
}

func TestSend_AcceptedWithUnexpectedBody(t *testing.T) {
	for _, body := range []string{"", "OK", `{"messageId":`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		c := newTestClient(t, srv, &fakeGetter{val: `{"token":"tok-1"}`})
		require.NoError(t, c.Send(context.Background(), "5511", "oi"), body)
		srv.Close()
	}
}

func TestSend_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"phone invalid"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGetter{val: `{"token":"tok-1"}`})
	err := c.Send(context.Background(), "5511", "oi")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.HTTPStatusCode())
	require.NotContains(t, err.Error(), "tok-1")
}

func TestSend_TransportErrorDoesNotLeakToken(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"secret-token"}`}, "/c", "INST1",
		WithBaseURL("http://127.0.0.1:1"), WithHTTPClient(&http.Client{Timeout: 200 * time.Millisecond}))
	require.NoError(t, err)

	err = c.Send(context.Background(), "5511", "oi")
	require.Error(t, err)
	require.NotContains(t, err.Error(), "secret-token")
}

func TestSend_CredentialErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("gateway must not be called without credentials")
	}))
	defer srv.Close()

	cases := map[string]*fakeGetter{
		"fetch token":    {err: errors.New("denied")},
		"unmarshal":      {val: `plain-token`},
		"token is empty": {val: `{"client_token":"x"}`},
	}
	for want, g := range cases {
		c := newTestClient(t, srv, g)
		err := c.Send(context.Background(), "5511", "oi")
		require.ErrorContains(t, err, want)
	}
}

func TestSend_InputValidation(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"t"}`}, "/c", "i")
	require.NoError(t, err)
	require.ErrorContains(t, c.Send(context.Background(), " ", "oi"), "phone")
	require.ErrorContains(t, c.Send(context.Background(), "5511", "  "), "message")
}
