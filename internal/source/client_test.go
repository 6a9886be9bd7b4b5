package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-net/sentinel/internal/clock"
	"github.com/corvid-net/sentinel/internal/errs"
)

func TestPollReturnsEventRefOnPackage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "q1", r.URL.Query().Get("queueID"))
		w.Write([]byte(`{"package":{"killID":123,"zkb":{"hash":"abc123"}}}`))
	}))
	defer srv.Close()

	mc := clock.NewManual(time.Now())
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.QueueID = "q1"
	c := New(cfg, mc)

	ref, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, uint64(123), ref.EventID)
	assert.Equal(t, "abc123", ref.Hash)
	assert.Equal(t, StateReceived, c.State())
}

func TestPollReturnsNilOnEmptyPackage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"package":null}`))
	}))
	defer srv.Close()

	mc := clock.NewManual(time.Now())
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	c := New(cfg, mc)

	ref, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ref)
	assert.Equal(t, StateEmpty, c.State())
}

func TestPollTreatsMissingFieldsAsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"package":{"killID":0,"zkb":{"hash":""}}}`))
	}))
	defer srv.Close()

	mc := clock.NewManual(time.Now())
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	c := New(cfg, mc)

	_, err := c.Poll(context.Background())
	assert.ErrorIs(t, err, errs.ErrInvalidPayload)
}

func TestPollHandles420AsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(420)
	}))
	defer srv.Close()

	mc := clock.NewManual(time.Now())
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	c := New(cfg, mc)

	_, err := c.Poll(context.Background())
	assert.ErrorIs(t, err, errs.ErrRateLimited)
}

func TestPollHandles401AsAuthBanned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	mc := clock.NewManual(time.Now())
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	c := New(cfg, mc)

	_, err := c.Poll(context.Background())
	assert.ErrorIs(t, err, errs.ErrAuthBanned)

	_, err = c.Poll(context.Background())
	assert.ErrorIs(t, err, errs.ErrAuthBanned, "sticky ban should block subsequent polls without new requests")
}

func TestPollFollowsRedirects(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"package":null}`))
	}))
	defer target.Close()

	redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer redirector.Close()

	mc := clock.NewManual(time.Now())
	cfg := DefaultConfig()
	cfg.BaseURL = redirector.URL
	c := New(cfg, mc)

	ref, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ref)
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	mc := clock.NewManual(time.Now())
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = 4 * time.Second
	c := New(cfg, mc)

	d1 := c.NextBackoff()
	assert.GreaterOrEqual(t, d1, time.Second)
	d2 := c.NextBackoff()
	assert.GreaterOrEqual(t, d2, 2*time.Second)
	d3 := c.NextBackoff()
	assert.LessOrEqual(t, d3, 4*time.Second)
}
