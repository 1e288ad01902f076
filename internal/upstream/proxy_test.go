package upstream

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sqsd-gate/internal/log"
)

func TestProxyForwardsRequest(t *testing.T) {
	var gotHost, gotXFF, gotBody, gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-App", "rails")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	}))
	defer backend.Close()

	proxy, err := New(backend.URL, time.Second, log.Discard())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "http://app.example.com/widgets", strings.NewReader("payload"))
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "rails", rec.Header().Get("X-App"))
	assert.Equal(t, "created", rec.Body.String())
	assert.Equal(t, "app.example.com", gotHost)
	assert.Equal(t, "203.0.113.9", gotXFF)
	assert.Equal(t, "/widgets", gotPath)
	assert.Equal(t, "payload", gotBody)
}

func TestProxyUpstreamDown(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	proxy, err := New(url, time.Second, log.Discard())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"bad gateway"}`, rec.Body.String())
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:3000", "ftp://host", "http://"} {
		_, err := New(raw, 0, nil)
		assert.Error(t, err, raw)
	}
}

func TestNotConfigured(t *testing.T) {
	rec := httptest.NewRecorder()
	NotConfigured().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
