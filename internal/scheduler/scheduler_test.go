package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/gateway"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/testutil"
)

// memRunStore is an in-memory RunStore with the same conditional-update
// semantics as the Postgres repository.
type memRunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]model.AgentRun
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[uuid.UUID]model.AgentRun)}
}

func (s *memRunStore) CreateRun(_ context.Context, run model.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memRunStore) GetRun(_ context.Context, id uuid.UUID) (model.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.AgentRun{}, model.ErrNotFound
	}
	return run, nil
}

func (s *memRunStore) TransitionRun(_ context.Context, id uuid.UUID, from, to model.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != from || !from.CanTransition(to) {
		return model.ErrInvalidTransition
	}
	run.Status = to
	run.UpdatedAt = time.Now().UTC()
	s.runs[id] = run
	return nil
}

func (s *memRunStore) CompleteRun(_ context.Context, id uuid.UUID, to model.RunStatus, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status.IsTerminal() {
		return model.ErrInvalidTransition
	}
	run.Status = to
	run.Output = output
	run.UpdatedAt = time.Now().UTC()
	s.runs[id] = run
	return nil
}

func (s *memRunStore) RecordStep(_ context.Context, id uuid.UUID, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.ErrNotFound
	}
	run.Steps++
	run.CostUSD += costUSD
	s.runs[id] = run
	return nil
}

type memBudgets struct {
	mu    sync.Mutex
	spend map[uuid.UUID]float64
}

func newMemBudgets() *memBudgets { return &memBudgets{spend: make(map[uuid.UUID]float64)} }

func (b *memBudgets) AddSpend(_ context.Context, orgID uuid.UUID, amountUSD float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spend[orgID] += amountUSD
	return nil
}

func (b *memBudgets) spent(orgID uuid.UUID) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spend[orgID]
}

type memUsage struct {
	mu   sync.Mutex
	recs []model.UsageRecord
}

func (u *memUsage) AppendUsage(_ context.Context, rec model.UsageRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.recs = append(u.recs, rec)
	return nil
}

func (u *memUsage) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.recs)
}

// stepFunc lets each test script the provider per step ordinal.
type fakeInvoker struct {
	mu    sync.Mutex
	step  func(step int, req gateway.Request) (gateway.Response, error)
	calls []gateway.Request
}

func (f *fakeInvoker) Invoke(_ context.Context, provider string, req gateway.Request) (gateway.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.step
	f.mu.Unlock()
	return fn(req.Step, req)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInvoker) call(i int) gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// fakeGate records approval requests without persistence.
type fakeGate struct {
	mu       sync.Mutex
	requests []string
	err      error
}

func (g *fakeGate) RequestApproval(_ context.Context, runID uuid.UUID, stepNumber int, description string) (uuid.UUID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return uuid.Nil, g.err
	}
	g.requests = append(g.requests, description)
	return uuid.New(), nil
}

func (g *fakeGate) requestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// recordingBus captures published events in order.
type recordingBus struct {
	mu     sync.Mutex
	events []model.LogEvent
}

func (b *recordingBus) Publish(ev model.LogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) types() []model.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.EventType, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	sched   *Scheduler
	store   *memRunStore
	budgets *memBudgets
	usage   *memUsage
	gw      *fakeInvoker
	gate    *fakeGate
	bus     *recordingBus
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, cfg Config, step func(int, gateway.Request) (gateway.Response, error)) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemRunStore(),
		budgets: newMemBudgets(),
		usage:   &memUsage{},
		gw:      &fakeInvoker{step: step},
		gate:    &fakeGate{},
		bus:     &recordingBus{},
	}
	f.sched = New(f.store, f.budgets, f.usage, f.gw, f.gate, f.bus, cfg, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
		defer drainCancel()
		f.sched.Drain(drainCtx)
	})
	return f
}

func defaultConfig() Config {
	return Config{MaxConcurrentRuns: 4, QueueSize: 16, MaxStepsPerRun: 10}
}

func validRequest() model.SubmitRunRequest {
	return model.SubmitRunRequest{
		OrgID:     uuid.New(),
		ProjectID: uuid.New(),
		Goal:      "summarize the report",
		Provider:  "test",
		Model:     "test-model",
	}
}

func (f *fixture) waitStatus(t *testing.T, runID uuid.UUID, want model.RunStatus) model.AgentRun {
	t.Helper()
	var run model.AgentRun
	require.Eventually(t, func() bool {
		var err error
		run, err = f.store.GetRun(context.Background(), runID)
		return err == nil && run.Status == want
	}, 2*time.Second, 2*time.Millisecond, "run never reached %s", want)
	return run
}

func TestSubmitAndSucceed(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(step int, _ gateway.Request) (gateway.Response, error) {
		return gateway.Response{Output: "final answer", CostUSD: 0.05, Done: true}, nil
	})

	req := validRequest()
	runID, err := f.sched.Submit(context.Background(), req)
	require.NoError(t, err)

	run := f.waitStatus(t, runID, model.RunStatusSucceeded)
	assert.Equal(t, "final answer", run.Output["result"])
	assert.Equal(t, 1, run.Steps)
	assert.InDelta(t, 0.05, run.CostUSD, 1e-9)
	assert.InDelta(t, 0.05, f.budgets.spent(req.OrgID), 1e-9)
	assert.Equal(t, 1, f.usage.count())

	types := f.bus.types()
	assert.Contains(t, types, model.EventRunQueued)
	assert.Contains(t, types, model.EventRunStarted)
	assert.Contains(t, types, model.EventStepCompleted)
	assert.Contains(t, types, model.EventRunSucceeded)
}

func TestSubmitValidatesRequest(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(int, gateway.Request) (gateway.Response, error) {
		return gateway.Response{Done: true}, nil
	})

	req := validRequest()
	req.Goal = ""
	_, err := f.sched.Submit(context.Background(), req)
	assert.Error(t, err)
}

func TestMultiStepRunThreadsOutput(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(step int, req gateway.Request) (gateway.Response, error) {
		if step == 2 {
			return gateway.Response{Output: "done", Done: true}, nil
		}
		return gateway.Response{Output: "step output"}, nil
	})

	runID, err := f.sched.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	run := f.waitStatus(t, runID, model.RunStatusSucceeded)
	assert.Equal(t, 3, run.Steps)
	require.Equal(t, 3, f.gw.callCount())
	assert.Empty(t, f.gw.call(0).PriorOutput)
	assert.Equal(t, "step output", f.gw.call(1).PriorOutput)
	assert.Equal(t, "step output", f.gw.call(2).PriorOutput)
}

func TestProviderFailureFailsRun(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(int, gateway.Request) (gateway.Response, error) {
		return gateway.Response{}, gateway.Permanent("test", errors.New("invalid model"))
	})

	runID, err := f.sched.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	run := f.waitStatus(t, runID, model.RunStatusFailed)
	assert.Contains(t, run.Output["error"], "invalid model")
	assert.Contains(t, f.bus.types(), model.EventProviderError)
}

func TestPartialCostSettledOnFailure(t *testing.T) {
	req := validRequest()
	f := newFixture(t, defaultConfig(), func(int, gateway.Request) (gateway.Response, error) {
		// Cost was incurred even though the call ultimately failed.
		return gateway.Response{CostUSD: 0.42}, gateway.Transient("test", errors.New("timeout"))
	})

	runID, err := f.sched.Submit(context.Background(), req)
	require.NoError(t, err)

	f.waitStatus(t, runID, model.RunStatusFailed)
	assert.InDelta(t, 0.42, f.budgets.spent(req.OrgID), 1e-9)
	assert.Equal(t, 1, f.usage.count())
}

func TestStepLimitFailsRun(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxStepsPerRun = 3
	f := newFixture(t, cfg, func(int, gateway.Request) (gateway.Response, error) {
		return gateway.Response{Output: "more"}, nil // never done
	})

	runID, err := f.sched.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	run := f.waitStatus(t, runID, model.RunStatusFailed)
	assert.Equal(t, 3, run.Steps)
	assert.Contains(t, run.Output["error"], "step limit")
}

func TestApprovalPauseAndApprove(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(step int, req gateway.Request) (gateway.Response, error) {
		if step == 0 {
			return gateway.Response{
				Output:           "plan: delete table",
				RequiresApproval: true,
				ApprovalReason:   "destructive operation",
			}, nil
		}
		return gateway.Response{Output: "executed", Done: true}, nil
	})

	runID, err := f.sched.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	run := f.waitStatus(t, runID, model.RunStatusAwaitingApproval)
	assert.Nil(t, run.Output, "output must stay unset until terminal")
	assert.Equal(t, 1, run.Steps)
	assert.Equal(t, 1, f.gate.requestCount())
	assert.Contains(t, f.bus.types(), model.EventApprovalRequired)

	require.NoError(t, f.sched.Resume(context.Background(), runID, true, ""))

	run = f.waitStatus(t, runID, model.RunStatusSucceeded)
	assert.Equal(t, "executed", run.Output["result"])
	assert.Equal(t, 2, run.Steps)

	// The paused step's output reaches the resumed step.
	require.Equal(t, 2, f.gw.callCount())
	assert.Equal(t, "plan: delete table", f.gw.call(1).PriorOutput)
	assert.Contains(t, f.bus.types(), model.EventApprovalResolved)
}

func TestApprovalRejectedCancelsRun(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(step int, _ gateway.Request) (gateway.Response, error) {
		return gateway.Response{Output: "plan", RequiresApproval: true}, nil
	})

	runID, err := f.sched.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	f.waitStatus(t, runID, model.RunStatusAwaitingApproval)
	require.NoError(t, f.sched.Resume(context.Background(), runID, false, "too risky"))

	run := f.waitStatus(t, runID, model.RunStatusCancelled)
	assert.Equal(t, "too risky", run.Output["reason"])
	assert.Equal(t, true, run.Output["rejected"])
	assert.Equal(t, 1, f.gw.callCount(), "no further provider calls after rejection")
}

func TestResumeRequiresAwaitingApproval(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(int, gateway.Request) (gateway.Response, error) {
		return gateway.Response{Done: true}, nil
	})

	runID, err := f.sched.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	f.waitStatus(t, runID, model.RunStatusSucceeded)

	err = f.sched.Resume(context.Background(), runID, true, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestApprovalRequestFailureFailsRun(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(int, gateway.Request) (gateway.Response, error) {
		return gateway.Response{Output: "plan", RequiresApproval: true}, nil
	})
	f.gate.err = errors.New("trace store down")

	runID, err := f.sched.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	run := f.waitStatus(t, runID, model.RunStatusFailed)
	assert.Contains(t, run.Output["error"], "approval request failed")
}

func TestCancelRunningRunBetweenSteps(t *testing.T) {
	firstStep := make(chan struct{})
	var once sync.Once
	f := newFixture(t, defaultConfig(), func(int, gateway.Request) (gateway.Response, error) {
		once.Do(func() { close(firstStep) })
		time.Sleep(time.Millisecond)
		return gateway.Response{Output: "more"}, nil // never done
	})

	runID, err := f.sched.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	<-firstStep
	require.NoError(t, f.sched.Cancel(context.Background(), runID, "operator said stop"))

	run := f.waitStatus(t, runID, model.RunStatusCancelled)
	assert.Equal(t, "operator said stop", run.Output["reason"])
}

func TestCancelAwaitingApprovalRun(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(int, gateway.Request) (gateway.Response, error) {
		return gateway.Response{Output: "plan", RequiresApproval: true}, nil
	})

	runID, err := f.sched.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	f.waitStatus(t, runID, model.RunStatusAwaitingApproval)
	require.NoError(t, f.sched.Cancel(context.Background(), runID, ""))

	run := f.waitStatus(t, runID, model.RunStatusCancelled)
	assert.Equal(t, "cancelled by operator", run.Output["reason"])
}

func TestCancelTerminalRunRejected(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(int, gateway.Request) (gateway.Response, error) {
		return gateway.Response{Done: true}, nil
	})

	runID, err := f.sched.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	f.waitStatus(t, runID, model.RunStatusSucceeded)

	err = f.sched.Cancel(context.Background(), runID, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestQueueFull(t *testing.T) {
	// No dispatch loop: submissions pile up in queued state.
	f := &fixture{
		store:   newMemRunStore(),
		budgets: newMemBudgets(),
		usage:   &memUsage{},
		gw:      &fakeInvoker{step: func(int, gateway.Request) (gateway.Response, error) { return gateway.Response{Done: true}, nil }},
		gate:    &fakeGate{},
		bus:     &recordingBus{},
	}
	f.sched = New(f.store, f.budgets, f.usage, f.gw, f.gate, f.bus, Config{
		MaxConcurrentRuns: 1, QueueSize: 2, MaxStepsPerRun: 10,
	}, testutil.TestLogger())

	_, err := f.sched.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	_, err = f.sched.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = f.sched.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSubmitNotBlockedByResumedBacklog(t *testing.T) {
	// Pool of one, tiny intake queue. Three runs pause for approval, the
	// only slot is then occupied by a long-running run, and all three
	// approvals are granted while it holds the slot. Submit must still
	// return immediately instead of queueing behind the resumed backlog.
	release := make(chan struct{})
	f := newFixture(t, Config{MaxConcurrentRuns: 1, QueueSize: 1, MaxStepsPerRun: 10}, func(step int, req gateway.Request) (gateway.Response, error) {
		switch {
		case req.Goal == "hold the pool slot":
			<-release
			return gateway.Response{Done: true}, nil
		case req.Goal == "needs sign-off" && step == 0:
			return gateway.Response{Output: "plan", RequiresApproval: true}, nil
		default:
			return gateway.Response{Output: "executed", Done: true}, nil
		}
	})
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	paused := make([]uuid.UUID, 0, 3)
	for i := 0; i < 3; i++ {
		req := validRequest()
		req.Goal = "needs sign-off"
		id, err := f.sched.Submit(context.Background(), req)
		require.NoError(t, err)
		f.waitStatus(t, id, model.RunStatusAwaitingApproval)
		paused = append(paused, id)
	}

	holder := validRequest()
	holder.Goal = "hold the pool slot"
	holderID, err := f.sched.Submit(context.Background(), holder)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.gw.callCount() == 4
	}, 2*time.Second, 2*time.Millisecond, "holder never reached the provider")

	for _, id := range paused {
		require.NoError(t, f.sched.Resume(context.Background(), id, true, ""))
	}

	submitted := make(chan uuid.UUID, 1)
	go func() {
		id, err := f.sched.Submit(context.Background(), validRequest())
		assert.NoError(t, err)
		submitted <- id
	}()

	var freshID uuid.UUID
	select {
	case freshID = <-submitted:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked while resumed runs waited for the pool")
	}

	close(release)
	for _, id := range append(paused, holderID, freshID) {
		f.waitStatus(t, id, model.RunStatusSucceeded)
	}
}

func TestConcurrencyBound(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	cfg := defaultConfig()
	cfg.MaxConcurrentRuns = 2
	f := newFixture(t, cfg, func(int, gateway.Request) (gateway.Response, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return gateway.Response{Done: true}, nil
	})

	ids := make([]uuid.UUID, 0, 6)
	for i := 0; i < 6; i++ {
		id, err := f.sched.Submit(context.Background(), validRequest())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		f.waitStatus(t, id, model.RunStatusSucceeded)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, 2)
}
