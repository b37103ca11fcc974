package epias

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

	"github.com/sells-group/demandsync/internal/resilience"
)

const period = "2025-11-01T00:00:00+03:00"

func newTestClient(srv *httptest.Server, opts ...Option) *Client {
	base := []Option{WithCASURL(srv.URL), WithBaseURL(srv.URL), WithRateLimit(0)}
	return NewClient(append(base, opts...)...)
}

func TestAuthenticate_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/cas/v1/tickets", r.URL.Path)
		assert.Equal(t, "text", r.URL.Query().Get("format"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "user1", r.PostForm.Get("username"))
		assert.Equal(t, "secret", r.PostForm.Get("password"))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("TGT-123-abc\n")) //nolint:errcheck
	}))
	defer srv.Close()

	ticket, err := newTestClient(srv).Authenticate(context.Background(), "user1", "secret")
	require.NoError(t, err)
	assert.Equal(t, "TGT-123-abc", ticket)
}

func TestAuthenticate_Unauthorized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Authenticate(context.Background(), "user1", "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.NotContains(t, err.Error(), "wrong")
}

func TestAuthenticate_EmptyTicket(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Authenticate(context.Background(), "user1", "pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty ticket")
}

func TestCount_UsesPageSizeOne(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, queryPath, r.URL.Path)
		assert.Equal(t, "TGT-1", r.Header.Get("TGT"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req queryRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, period, req.PeriodDate)
		assert.Equal(t, 1, req.Page.Number)
		assert.Equal(t, 1, req.Page.Size)
		assert.Equal(t, "DESC", req.Page.Sort.Direction)
		assert.Equal(t, "periodDate", req.Page.Sort.Field)

		w.Write([]byte(`{"body":{"content":{"items":[{"uniqueCode":"X"}],"page":{"total":95}}}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	n, err := newTestClient(srv).Count(context.Background(), "TGT-1", period)
	require.NoError(t, err)
	assert.Equal(t, 95, n)
}

func TestFetchPage_DecodesItems(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.Page.Number)
		assert.Equal(t, 10, req.Page.Size)

		w.Write([]byte(`{"body":{"content":{"items":[
			{"uniqueCode":"A","periodDate":"2025-11-01T00:00:00+03:00","readingOrganization":{"name":"BEDAS"},"usageType":{"value":"MESKEN"}},
			{"uniqueCode":"B","periodDate":"2025-11-01T00:00:00+03:00"}
		],"page":{"total":25}}}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	recs, err := newTestClient(srv).FetchPage(context.Background(), "TGT-1", period, 3, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "A", recs[0].UniqueCode)
	require.NotNil(t, recs[0].ReadingOrganization)
	assert.Equal(t, "BEDAS", *recs[0].ReadingOrganization)
	require.NotNil(t, recs[0].UsageType)
	assert.Equal(t, "MESKEN", *recs[0].UsageType)
	assert.Nil(t, recs[1].UsageType)
}

func TestFetchPage_EmptyItems(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"body":{"content":{"items":[],"page":{"total":0}}}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	recs, err := newTestClient(srv).FetchPage(context.Background(), "TGT-1", period, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFetchPage_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"body":`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchPage(context.Background(), "TGT-1", period, 1, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode query response")
}

func TestQuery_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance")) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchPage(context.Background(), "TGT-1", period, 1, 10)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 503, se.StatusCode)
	assert.Equal(t, "maintenance", se.Body)
}

func TestQuery_BadRequestIsNotTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Count(context.Background(), "TGT-1", period)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestQuery_ExpiredTicket(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchPage(context.Background(), "stale", period, 2, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestQuery_RetriesTransientWhenEnabled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.Copy(io.Discard, r.Body)                                             //nolint:errcheck
		w.Write([]byte(`{"body":{"content":{"items":[],"page":{"total":7}}}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	policy := resilience.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	n, err := newTestClient(srv, WithRetry(policy)).Count(context.Background(), "TGT-1", period)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQuery_NoRetryByDefault(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Count(context.Background(), "TGT-1", period)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQuery_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(WithCASURL(url), WithBaseURL(url), WithRateLimit(0), WithTimeout(time.Second))
	_, err := c.Count(context.Background(), "TGT-1", period)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestRateLimit_Paces(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"body":{"content":{"items":[],"page":{"total":0}}}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := newTestClient(srv, WithRateLimit(20))
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Count(context.Background(), "TGT-1", period)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
