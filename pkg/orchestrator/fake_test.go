package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/cache"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/catalog"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/client"
	"github.com/stretchr/testify/require"
)

// fakeService is an in-memory ScoringService with hooks for failures and
// blocking.
type fakeService struct {
	mu sync.Mutex

	stored   map[string]*client.Score
	batchErr error

	// compute overrides the default compute behavior when set.
	compute func(ctx context.Context, item catalog.WorkItem, force bool) (*client.Score, error)

	// get overrides the default lookup behavior when set.
	get func(ctx context.Context, id string) (*client.Score, error)

	batchCalls   [][]string
	batchActive  int
	batchMax     int
	computeCalls []string
	forced       []bool
	getCalls     []string
	active       int
	maxActive    int
}

func newFakeService() *fakeService {
	return &fakeService{stored: make(map[string]*client.Score)}
}

func testScore(id string, value float64) *client.Score {
	return &client.Score{
		ID:          id,
		Version:     3,
		Value:       value,
		Band:        "B",
		GeneratedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Raw:         []byte(fmt.Sprintf(`{"id": %q, "version": 3, "score": %v}`, id, value)),
	}
}

func (f *fakeService) store(id string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[id] = testScore(id, value)
}

func (f *fakeService) CheckCached(ctx context.Context, ids []string) (*client.BatchResult, error) {
	f.mu.Lock()
	f.batchCalls = append(f.batchCalls, append([]string(nil), ids...))
	f.batchActive++
	if f.batchActive > f.batchMax {
		f.batchMax = f.batchActive
	}
	err := f.batchErr
	result := &client.BatchResult{Found: map[string]*client.Score{}, Invalid: map[string]error{}}
	for _, id := range ids {
		if s, ok := f.stored[id]; ok {
			result.Found[id] = s
		} else {
			result.Missing = append(result.Missing, id)
		}
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.batchActive--
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (f *fakeService) GetScore(ctx context.Context, id string) (*client.Score, error) {
	f.mu.Lock()
	f.getCalls = append(f.getCalls, id)
	hook := f.get
	s, ok := f.stored[id]
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, id)
	}
	if !ok {
		return nil, &client.ServiceError{Kind: client.KindNotFound, StatusCode: 404, Err: client.ErrNotFound}
	}
	return s, nil
}

func (f *fakeService) ComputeScore(ctx context.Context, item catalog.WorkItem, force bool) (*client.Score, error) {
	f.mu.Lock()
	f.computeCalls = append(f.computeCalls, item.ID)
	f.forced = append(f.forced, force)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	hook := f.compute
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if hook != nil {
		return hook(ctx, item, force)
	}
	s := testScore(item.ID, 50)
	f.mu.Lock()
	f.stored[item.ID] = s
	f.mu.Unlock()
	return s, nil
}

func (f *fakeService) computeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.computeCalls)
}

func (f *fakeService) inFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// testConfig disables pacing so runs finish quickly.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Pacing.Base = 0
	cfg.Pacing.Step = 0
	return cfg
}

func newTestOrchestrator(t *testing.T, svc ScoringService, cfg Config) (*Orchestrator, *cache.MemoryStore) {
	t.Helper()
	store := cache.NewMemoryStore(0)
	t.Cleanup(store.Close)

	o, err := New(svc, store, cfg)
	require.NoError(t, err)
	return o, store
}

func makeItems(prefix string, n int) []catalog.WorkItem {
	items := make([]catalog.WorkItem, n)
	for i := range items {
		id := fmt.Sprintf("%s%03d", prefix, i)
		items[i] = catalog.WorkItem{ID: id, ExternalKey: "reports/" + id + ".pdf", DisplayName: id, Year: 2023}
	}
	return items
}

// blockingCompute ignores cancellation and only returns once release is
// closed, simulating a response that lands after a Stop.
func blockingCompute(release <-chan struct{}) func(context.Context, catalog.WorkItem, bool) (*client.Score, error) {
	return func(ctx context.Context, item catalog.WorkItem, force bool) (*client.Score, error) {
		<-release
		return testScore(item.ID, 90), nil
	}
}
