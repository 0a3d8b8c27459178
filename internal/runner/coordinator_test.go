package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memorypublisher "github.com/leadscout/leadscout/internal/publisher/memory"
	"github.com/leadscout/leadscout/internal/queue"
	"github.com/leadscout/leadscout/internal/scrape"
	"github.com/leadscout/leadscout/internal/session"
	memorystorage "github.com/leadscout/leadscout/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDGen struct {
	n atomic.Int64
}

func (g *seqIDGen) NewID() (string, error) {
	return fmt.Sprintf("session-%d", g.n.Add(1)), nil
}

// blockingSource lets the test hold searches open until released.
type blockingSource struct {
	mu      sync.Mutex
	block   bool
	release chan struct{}
}

func newBlockingSource() *blockingSource {
	return &blockingSource{release: make(chan struct{})}
}

func (s *blockingSource) holdSearches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = true
}

func (s *blockingSource) releaseSearches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.block {
		s.block = false
		close(s.release)
		s.release = make(chan struct{})
	}
}

func (s *blockingSource) SearchBusinesses(ctx context.Context, town, industry string) ([]scrape.Business, error) {
	s.mu.Lock()
	blocked := s.block
	release := s.release
	s.mu.Unlock()
	if blocked {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []scrape.Business{{Name: town + " Services", Town: town, Industry: industry}}, nil
}

func (s *blockingSource) LookupProvider(_ context.Context, b scrape.Business) (scrape.Business, error) {
	b.Provider = "ACME"
	return b, nil
}

// flakyStore wraps the memory store and fails status updates for chosen jobs.
type flakyStore struct {
	*memorystorage.JobStore
	mu      sync.Mutex
	failIDs map[string]bool
}

func (s *flakyStore) failStatusUpdates(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIDs == nil {
		s.failIDs = make(map[string]bool)
	}
	s.failIDs[jobID] = true
}

func (s *flakyStore) UpdateJobStatus(ctx context.Context, jobID string, status scrape.Status, errText string) error {
	s.mu.Lock()
	fail := s.failIDs[jobID]
	s.mu.Unlock()
	if fail {
		return errors.New("injected status failure")
	}
	return s.JobStore.UpdateJobStatus(ctx, jobID, status, errText)
}

type harness struct {
	coordinator *Coordinator
	store       *flakyStore
	source      *blockingSource
	publisher   *memorypublisher.Publisher
	queue       *queue.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := &flakyStore{JobStore: memorystorage.NewJobStore()}
	source := newBlockingSource()
	publisher := memorypublisher.New()
	qm := queue.NewManager(queue.Config{FallbackWait: time.Minute}, store, nil)
	registry := session.NewRegistry()
	coordinator := New(
		ctx,
		qm,
		registry,
		store,
		store,
		source,
		publisher,
		&fakeClock{now: time.Unix(1000, 0)},
		&seqIDGen{},
		Config{Topic: "scrape-events"},
		nil,
	)
	return &harness{
		coordinator: coordinator,
		store:       store,
		source:      source,
		publisher:   publisher,
		queue:       qm,
	}
}

func submitReq(towns ...string) SubmitRequest {
	return SubmitRequest{
		UserID: "user-1",
		Towns:  towns,
		Config: scrape.DefaultConfig(),
	}
}

func (h *harness) waitForStatus(t *testing.T, sessionID string, status scrape.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), sessionID)
		return err == nil && job.Status == status
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmit_StartsImmediatelyAndCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res, err := h.coordinator.Submit(context.Background(), submitReq("A", "B"))
	require.NoError(t, err)
	require.True(t, res.Started)
	require.NotEmpty(t, res.SessionID)

	h.waitForStatus(t, res.SessionID, scrape.StatusCompleted)

	job, err := h.store.GetJob(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Equal(t, 100, job.Progress)
	require.NotNil(t, job.Summary)
	require.Equal(t, 2, job.Summary.TownsCompleted)

	stored, err := h.store.ListBusinesses(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	messages := h.publisher.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "scrape-events", messages[0].Topic)
	event, ok := messages[0].Payload.(scrape.CompletionEvent)
	require.True(t, ok)
	require.Equal(t, res.SessionID, event.SessionID)
	require.Equal(t, scrape.StatusCompleted, event.Status)
}

func TestSubmit_ValidatesRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.coordinator.Submit(context.Background(), SubmitRequest{Config: scrape.DefaultConfig()})
	require.ErrorContains(t, err, "town")

	bad := submitReq("A")
	bad.Config.SimultaneousTowns = 99
	_, err = h.coordinator.Submit(context.Background(), bad)
	require.ErrorContains(t, err, "simultaneous_towns")
}

func TestSubmit_SecondJobQueuesThenCascades(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.source.holdSearches()

	first, err := h.coordinator.Submit(context.Background(), submitReq("A"))
	require.NoError(t, err)
	require.True(t, first.Started)

	second, err := h.coordinator.Submit(context.Background(), submitReq("C"))
	require.NoError(t, err)
	require.False(t, second.Started)
	require.Equal(t, 1, second.Placement.Position)

	job, err := h.store.GetJob(context.Background(), second.SessionID)
	require.NoError(t, err)
	require.Equal(t, scrape.StatusQueued, job.Status)

	h.source.releaseSearches()

	h.waitForStatus(t, first.SessionID, scrape.StatusCompleted)
	h.waitForStatus(t, second.SessionID, scrape.StatusCompleted)
	require.Zero(t, h.queue.Depth())
	require.False(t, h.queue.IsActive())
	require.Len(t, h.publisher.Messages(), 2)
}

func TestSubmit_FIFOOrderAcrossCascade(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.source.holdSearches()

	first, err := h.coordinator.Submit(context.Background(), submitReq("A"))
	require.NoError(t, err)
	require.True(t, first.Started)

	var queued []string
	for i := 0; i < 3; i++ {
		res, err := h.coordinator.Submit(context.Background(), submitReq(fmt.Sprintf("T%d", i)))
		require.NoError(t, err)
		require.False(t, res.Started)
		require.Equal(t, i+1, res.Placement.Position)
		queued = append(queued, res.SessionID)
	}

	h.source.releaseSearches()
	for _, id := range queued {
		h.waitForStatus(t, id, scrape.StatusCompleted)
	}

	// Completion events preserve submission order.
	messages := h.publisher.MessagesFor("scrape-events")
	require.Len(t, messages, 4)
	for i, id := range append([]string{first.SessionID}, queued...) {
		event, ok := messages[i].Payload.(scrape.CompletionEvent)
		require.True(t, ok)
		require.Equal(t, id, event.SessionID)
	}
}

func TestCascade_SkipsJobThatFailsToPromote(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.source.holdSearches()

	first, err := h.coordinator.Submit(context.Background(), submitReq("A"))
	require.NoError(t, err)
	require.True(t, first.Started)

	doomed, err := h.coordinator.Submit(context.Background(), submitReq("B"))
	require.NoError(t, err)
	require.False(t, doomed.Started)
	h.store.failStatusUpdates(doomed.SessionID)

	healthy, err := h.coordinator.Submit(context.Background(), submitReq("C"))
	require.NoError(t, err)
	require.False(t, healthy.Started)

	h.source.releaseSearches()

	// The doomed job must not stall the queue: the healthy one still runs.
	h.waitForStatus(t, first.SessionID, scrape.StatusCompleted)
	h.waitForStatus(t, healthy.SessionID, scrape.StatusCompleted)
	require.False(t, h.queue.IsActive())
}

func TestShutdown_StopsRunningJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.source.holdSearches()

	res, err := h.coordinator.Submit(context.Background(), submitReq("A", "B", "C"))
	require.NoError(t, err)
	require.True(t, res.Started)

	handle, ok := h.coordinator.Registry().Get(res.SessionID)
	require.True(t, ok)

	// Request the stop first, then let the in-flight searches drain; stop is
	// cooperative and never interrupts a running lookup.
	handle.Orc.Stop()
	h.source.releaseSearches()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.coordinator.Shutdown(shutdownCtx))

	select {
	case <-handle.Done:
	default:
		t.Fatal("job should have finished during shutdown")
	}
	require.Equal(t, scrape.StatusStopped, handle.Orc.Status())
}

func TestSubmit_DuplicateSessionIDRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.source.holdSearches()
	defer h.source.releaseSearches()

	res, err := h.coordinator.Submit(context.Background(), submitReq("A"))
	require.NoError(t, err)
	require.True(t, res.Started)

	// A second admission for the same id is rejected by the queue manager.
	_, _, err = h.queue.AdmitOrEnqueue(context.Background(), scrape.QueueItem{JobID: res.SessionID})
	require.ErrorIs(t, err, scrape.ErrAlreadyQueued)
}
