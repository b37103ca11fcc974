package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/demandsync/internal/config"
	"github.com/sells-group/demandsync/internal/ingest"
	"github.com/sells-group/demandsync/internal/model"
	"github.com/sells-group/demandsync/internal/period"
	"github.com/sells-group/demandsync/internal/schedule"
	"github.com/sells-group/demandsync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeEPIAS serves a ticket endpoint and a paged query endpoint holding
// total records.
func fakeEPIAS(t *testing.T, total int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cas/v1/tickets", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("TGT-test")) //nolint:errcheck
	})
	mux.HandleFunc("POST /demand/v1/pre-notification/supplier/query", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PeriodDate string `json:"periodDate"`
			Page       struct {
				Number int `json:"number"`
				Size   int `json:"size"`
			} `json:"page"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		items := []map[string]any{}
		for i := (req.Page.Number - 1) * req.Page.Size; i < req.Page.Number*req.Page.Size && i < total; i++ {
			items = append(items, map[string]any{
				"uniqueCode": fmt.Sprintf("UC-%03d", i),
				"periodDate": req.PeriodDate,
				"cityName":   "ISTANBUL",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"body": map[string]any{"content": map[string]any{
				"items": items,
				"page":  map[string]any{"total": total},
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, sourceURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "energy.db")},
		EPIAS: config.EPIASConfig{CASURL: sourceURL, BaseURL: sourceURL, TimeoutSecs: 5},
		Ingest: config.IngestConfig{
			PageSize:    2,
			ErrorBudget: 5,
			Retry:       config.RetryConfig{MaxAttempts: 1},
		},
		Server: config.ServerConfig{Port: 9090},
		Log:    config.LogConfig{Level: "info", Dir: filepath.Join(dir, "logs"), PerRunFile: true},
		Principals: []model.Principal{
			{Name: "K1", Username: "u1", Password: "pw"},
			{Name: "K2", Username: "u2", Password: "pw"},
		},
	}
}

func TestRunCmd_IngestsEveryPrincipal(t *testing.T) {
	src := fakeEPIAS(t, 5)
	cfg = testConfig(t, src.URL)

	runCmd.SetContext(context.Background())
	require.NoError(t, runCmd.RunE(runCmd, nil))

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	periodDate := nextPeriod()
	for _, p := range []string{"K1", "K2"} {
		n, err := st.CountBatch(context.Background(), p, periodDate)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n, p)
	}

	entries, err := st.ListBatches(context.Background(), store.BatchFilter{State: model.BatchCompleted})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	logs, err := os.ReadDir(cfg.Log.Dir)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "one per-run log file")

	// A second run inserts nothing new.
	require.NoError(t, runCmd.RunE(runCmd, nil))
	n, err := st.CountBatch(context.Background(), "K1", periodDate)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestRunCmd_FailsWhenBatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	cfg = testConfig(t, srv.URL)

	runCmd.SetContext(context.Background())
	err := runCmd.RunE(runCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 2 batches did not complete")
}

func TestRunCmd_CancelledContextStillFinishesAndClosesStore(t *testing.T) {
	src := fakeEPIAS(t, 5)
	cfg = testConfig(t, src.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	runCmd.SetContext(ctx)
	runCmd.SetOut(&out)
	t.Cleanup(func() { runCmd.SetOut(nil) })

	require.NoError(t, runCmd.RunE(runCmd, nil))
	assert.Contains(t, out.String(), "2 completed, 0 rolled back, 0 failed, 10 rows inserted")

	// Close checkpointed the WAL into the main file.
	if info, err := os.Stat(cfg.Store.DatabaseURL + "-wal"); err == nil {
		assert.Zero(t, info.Size())
	}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	n, err := st.CountBatch(context.Background(), "K1", nextPeriod())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestRunCmd_NoPrincipals(t *testing.T) {
	cfg = testConfig(t, "http://127.0.0.1:1")
	cfg.Principals = nil

	runCmd.SetContext(context.Background())
	err := runCmd.RunE(runCmd, nil)
	assert.ErrorContains(t, err, "no principals")
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "oracle"}}
	_, err := initStore(context.Background())
	assert.ErrorContains(t, err, "unsupported store driver")
}

func TestPurgeCmd_DryRunThenDelete(t *testing.T) {
	src := fakeEPIAS(t, 3)
	cfg = testConfig(t, src.URL)
	runCmd.SetContext(context.Background())
	require.NoError(t, runCmd.RunE(runCmd, nil))

	var out bytes.Buffer
	purgeCmd.SetOut(&out)
	purgeCmd.SetContext(context.Background())
	require.NoError(t, purgeCmd.Flags().Set("principal", "K1"))
	t.Cleanup(func() {
		purgeCmd.Flags().Set("principal", "") //nolint:errcheck
		purgeCmd.Flags().Set("yes", "false")  //nolint:errcheck
	})

	require.NoError(t, purgeCmd.RunE(purgeCmd, nil))
	assert.Contains(t, out.String(), "3 rows match principal=K1")

	out.Reset()
	require.NoError(t, purgeCmd.Flags().Set("yes", "true"))
	require.NoError(t, purgeCmd.RunE(purgeCmd, nil))
	assert.Contains(t, out.String(), "deleted 3 rows")

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	k1, _ := st.CountBatch(context.Background(), "K1", nextPeriod())
	k2, _ := st.CountBatch(context.Background(), "K2", nextPeriod())
	assert.Zero(t, k1)
	assert.Equal(t, int64(3), k2, "other principal untouched")
}

func TestPeriodCmd_At(t *testing.T) {
	tests := []struct {
		at, want string
	}{
		{"2025-10-25", "2025-11-01T00:00:00+03:00"},
		{"2025-12-25T00:00:00+03:00", "2026-01-01T00:00:00+03:00"},
	}
	for _, tt := range tests {
		t.Run(tt.at, func(t *testing.T) {
			var out bytes.Buffer
			periodCmd.SetOut(&out)
			periodAt = tt.at
			defer func() { periodAt = "" }()

			require.NoError(t, periodCmd.RunE(periodCmd, nil))
			assert.Equal(t, tt.want+"\n", out.String())
		})
	}
}

func TestPeriodCmd_BadAt(t *testing.T) {
	periodAt = "yesterday"
	defer func() { periodAt = "" }()
	assert.Error(t, periodCmd.RunE(periodCmd, nil))
}

func TestWriteReport(t *testing.T) {
	r := ingest.RunReport{
		CycleID: "c-1",
		Batches: []ingest.BatchReport{
			{Principal: "K1", PeriodDate: "2025-11-01T00:00:00+03:00", State: model.BatchCompleted, TotalCount: 95, TotalPages: 10, PagesProcessed: 10, RowsInserted: 95},
			{Principal: "K2", PeriodDate: "2025-11-01T00:00:00+03:00", State: model.BatchRolledBack, Kind: ingest.KindBudgetExceeded, Err: errors.New("budget exceeded"), RowsDeleted: 20},
		},
	}
	var buf bytes.Buffer
	writeReport(&buf, r)

	out := buf.String()
	assert.Contains(t, out, "PRINCIPAL")
	assert.Contains(t, out, "10/10")
	assert.Contains(t, out, "budget_exceeded: budget exceeded")
	assert.Contains(t, out, "cycle c-1: 1 completed, 1 rolled back, 0 failed, 95 rows inserted, 20 rows deleted")
}

func TestFormatBatches(t *testing.T) {
	var buf bytes.Buffer
	formatBatches(&buf, []model.BatchEntry{{
		Principal: "K1", PeriodDate: "2025-11-01T00:00:00+03:00", State: model.BatchFailed,
		Error: "auth: unauthorized", StartedAt: time.Date(2025, 10, 25, 0, 0, 0, 0, time.UTC),
	}})
	assert.Contains(t, buf.String(), "2025-10-25 00:00:00")
	assert.Contains(t, buf.String(), "auth: unauthorized")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}

func TestBuildMux_Endpoints(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	sched, err := schedule.New(schedule.DefaultSpec, time.UTC, func(context.Context) {
		runs.Add(1)
		<-release
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "demandsync_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(buildMux(sched, reg, []model.Principal{{Name: "K1"}, {Name: "K2"}}))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "demandsync_test_total 1")

	code, body = get("/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"principals":["K1","K2"]`)
	assert.Contains(t, body, `"spec":"0 0 0 25 * *"`)

	resp, err := http.Post(srv.URL+"/trigger", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return sched.Status().Running }, time.Second, 5*time.Millisecond)

	resp, err = http.Post(srv.URL+"/trigger", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(release)
	require.NoError(t, sched.Stop(context.Background()))
	assert.Equal(t, int32(1), runs.Load())
}

func nextPeriod() string {
	return period.Next(time.Now()).String()
}
