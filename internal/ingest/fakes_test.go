package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sells-group/demandsync/internal/model"
)

// fakeSource serves total records per principal in pages and records every
// call in order.
type fakeSource struct {
	mu      sync.Mutex
	calls   []string
	periods []string

	total     map[string]int   // by username
	authErr   map[string]error // by username
	countErr  map[string]error
	pageErr   map[string]map[int]error
	pagePanic map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		total:     map[string]int{},
		authErr:   map[string]error{},
		countErr:  map[string]error{},
		pageErr:   map[string]map[int]error{},
		pagePanic: map[string]int{},
	}
}

func (f *fakeSource) failPage(user string, page int, err error) {
	if f.pageErr[user] == nil {
		f.pageErr[user] = map[int]error{}
	}
	f.pageErr[user][page] = err
}

func (f *fakeSource) record(call, period string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if period != "" {
		f.periods = append(f.periods, period)
	}
}

func (f *fakeSource) Authenticate(_ context.Context, username, _ string) (string, error) {
	f.record("auth:"+username, "")
	if err := f.authErr[username]; err != nil {
		return "", err
	}
	return "ticket-" + username, nil
}

func (f *fakeSource) Count(_ context.Context, ticket, period string) (int, error) {
	user := ticket[len("ticket-"):]
	f.record("count:"+user, period)
	if err := f.countErr[user]; err != nil {
		return 0, err
	}
	return f.total[user], nil
}

func (f *fakeSource) FetchPage(_ context.Context, ticket, period string, number, size int) ([]model.ConsumptionRecord, error) {
	user := ticket[len("ticket-"):]
	f.record(fmt.Sprintf("page:%s:%d", user, number), period)
	if f.pagePanic[user] == number {
		panic("decoder exploded")
	}
	if err := f.pageErr[user][number]; err != nil {
		return nil, err
	}

	from := (number - 1) * size
	to := min(from+size, f.total[user])
	var recs []model.ConsumptionRecord
	for i := from; i < to; i++ {
		recs = append(recs, model.ConsumptionRecord{
			UniqueCode: fmt.Sprintf("%s-%d", user, i),
			PeriodDate: period,
		})
	}
	return recs, nil
}

func (f *fakeSource) pageCalls(user string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pages []int
	prefix := "page:" + user + ":"
	for _, c := range f.calls {
		var n int
		if len(c) > len(prefix) && c[:len(prefix)] == prefix {
			fmt.Sscanf(c[len(prefix):], "%d", &n) //nolint:errcheck
			pages = append(pages, n)
		}
	}
	return pages
}

// memStore is an in-memory record store keyed by (code, period, principal).
type memStore struct {
	mu        sync.Mutex
	rows      map[[3]string]bool
	writeErr  map[string]error // keyed by first record's UniqueCode
	deleteErr error
	deletes   [][2]string
}

func newMemStore() *memStore {
	return &memStore{rows: map[[3]string]bool{}, writeErr: map[string]error{}}
}

func (m *memStore) BulkUpsert(_ context.Context, principal string, recs []model.ConsumptionRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(recs) > 0 {
		if err := m.writeErr[recs[0].UniqueCode]; err != nil {
			return 0, err
		}
	}
	var n int64
	for _, r := range recs {
		k := [3]string{r.UniqueCode, r.PeriodDate, principal}
		if !m.rows[k] {
			m.rows[k] = true
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteBatch(_ context.Context, principal, period string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, [2]string{principal, period})
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	var n int64
	for k := range m.rows {
		if k[1] == period && k[2] == principal {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) count(principal, period string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.rows {
		if k[1] == period && k[2] == principal {
			n++
		}
	}
	return n
}

// captureNotifier records alerts and optionally fails.
type captureNotifier struct {
	mu   sync.Mutex
	sent []sentAlert
	err  error
}

type sentAlert struct {
	Recipient, Subject, Body string
}

func (c *captureNotifier) Notify(_ context.Context, recipient, subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentAlert{recipient, subject, body})
	return c.err
}

// memBatchLog captures batch log writes.
type memBatchLog struct {
	entries []model.BatchEntry
	err     error
}

func (m *memBatchLog) RecordBatch(_ context.Context, e model.BatchEntry) error {
	m.entries = append(m.entries, e)
	return m.err
}

var errNetwork = errors.New("dial tcp: i/o timeout")

func codeAt(user string, i int) string {
	return fmt.Sprintf("%s-%d", user, i)
}
