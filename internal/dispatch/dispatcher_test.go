package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinbrady/Assist-sub001/internal/backend"
	"github.com/austinbrady/Assist-sub001/internal/logging"
)

type fixedSelector struct {
	status backend.ConnectionStatus
	cand   backend.Candidate
	ok     bool
}

func (s fixedSelector) Selection() (backend.ConnectionStatus, backend.Candidate, bool) {
	return s.status, s.cand, s.ok
}

func selected(kind backend.Kind, url string) fixedSelector {
	return fixedSelector{
		status: backend.ConnectionStatus{Connected: true, Backend: kind, State: backend.UpState(kind)},
		cand:   backend.Candidate{Kind: kind, URL: url},
		ok:     true,
	}
}

type staticTokens struct {
	token string
	ok    bool
	err   error
}

func (s staticTokens) Token(context.Context) (string, bool, error) {
	return s.token, s.ok, s.err
}

func newDispatcher(sel Selector, tokens TokenSource) *Dispatcher {
	return New(sel, tokens, Options{Timeout: time.Second, Logger: logging.Discard()})
}

func TestDispatchAttachesBearerToken(t *testing.T) {
	var gotAuth, gotPath, gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reply":"hi"}`))
	}))
	defer srv.Close()

	d := newDispatcher(selected(backend.KindLocal, srv.URL), staticTokens{token: "abc", ok: true})
	res, err := d.Dispatch(context.Background(), Operation{Data: json.RawMessage(`{"message":"hello"}`)})
	require.NoError(t, err)

	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "/api/chat", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.JSONEq(t, `{"message":"hello"}`, gotBody)

	assert.Equal(t, OpChat, res.Operation)
	assert.Equal(t, backend.KindLocal, res.Backend)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{"reply":"hi"}`, string(res.Data))
}

func TestDispatchWithoutToken(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Write([]byte(`{"balance":0}`))
	}))
	defer srv.Close()

	d := newDispatcher(selected(backend.KindCloud, srv.URL), staticTokens{})
	res, err := d.Dispatch(context.Background(), Operation{Name: OpWalletBalance})
	require.NoError(t, err)
	assert.Equal(t, "", gotAuth.Load())
	assert.Equal(t, backend.KindCloud, res.Backend)
}

func TestDispatchTokenStoreErrorGoesAnonymous(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := newDispatcher(selected(backend.KindLocal, srv.URL), staticTokens{err: errors.New("store offline")})
	_, err := d.Dispatch(context.Background(), Operation{Name: OpAutofill})
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestDispatchNoBackendPerformsNoIO(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	sel := fixedSelector{status: backend.Disconnected(backend.StateAllDown, time.Now(), "local: connection refused")}
	d := newDispatcher(sel, staticTokens{token: "abc", ok: true})

	_, err := d.Dispatch(context.Background(), Operation{Name: OpChat})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoBackendAvailable)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Contains(t, derr.Message, "connection refused")
	assert.Equal(t, int32(0), hits.Load())
}

func TestDispatchNon2xx(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		message   string
		retryable bool
	}{
		{"server error", http.StatusBadGateway, `{"error":"upstream down"}`, "upstream down", true},
		{"detail field", http.StatusUnauthorized, `{"detail":"bad token"}`, "bad token", false},
		{"rate limited", http.StatusTooManyRequests, ``, "Too Many Requests", true},
		{"not found", http.StatusNotFound, `not json`, "Not Found", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			d := newDispatcher(selected(backend.KindLocal, srv.URL), staticTokens{})
			_, err := d.Dispatch(context.Background(), Operation{Name: OpGenerateImage})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTransport)

			var derr *Error
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, tt.status, derr.Status)
			assert.Equal(t, tt.message, derr.Message)
			assert.Equal(t, tt.retryable, derr.Retryable)
		})
	}
}

func TestDispatchMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reply":`))
	}))
	defer srv.Close()

	d := newDispatcher(selected(backend.KindLocal, srv.URL), staticTokens{})
	_, err := d.Dispatch(context.Background(), Operation{Name: OpAnalyzeImage})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "malformed JSON")
}

func TestDispatchEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newDispatcher(selected(backend.KindLocal, srv.URL), staticTokens{})
	res, err := d.Dispatch(context.Background(), Operation{Name: OpGenerateMedia})
	require.NoError(t, err)
	assert.Equal(t, "null", string(res.Data))
}

func TestDispatchNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := newDispatcher(selected(backend.KindLocal, url), staticTokens{})
	_, err := d.Dispatch(context.Background(), Operation{})
	require.Error(t, err)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, CodeTransport, derr.Code)
	assert.True(t, derr.Retryable)
	assert.NotNil(t, errors.Unwrap(err))
}

func TestDispatchUnknownOperation(t *testing.T) {
	d := newDispatcher(selected(backend.KindLocal, "http://127.0.0.1:1"), staticTokens{})
	_, err := d.Dispatch(context.Background(), Operation{Name: "mine_bitcoin"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestCustomRoutes(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	d := New(selected(backend.KindLocal, srv.URL+"/"), staticTokens{}, Options{
		Routes: map[string]Route{"list_models": {Method: http.MethodGet, Path: "/api/models"}},
		Logger: logging.Discard(),
	})
	assert.Contains(t, d.Operations(), "list_models")
	assert.Contains(t, d.Operations(), OpChat)

	_, err := d.Dispatch(context.Background(), Operation{Name: "list_models"})
	require.NoError(t, err)
	assert.Equal(t, "/api/models", gotPath)
}
