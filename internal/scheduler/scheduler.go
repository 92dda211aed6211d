// Package scheduler drives agent runs through their lifecycle state
// machine: it accepts admitted submissions, executes each run's step loop
// against the provider gateway, pauses runs for human approval, and
// publishes every transition to the event bus.
//
// Concurrency model: each run's step loop executes as an independent task;
// a weighted semaphore bounds the number of concurrently executing runs.
// Runs beyond the bound wait in queued state without consuming execution
// resources. Within one run, steps execute strictly sequentially. A run
// paused for approval releases its pool slot and re-acquires one on resume.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/shiki/internal/gateway"
	"github.com/ashita-ai/shiki/internal/model"
)

// ErrQueueFull is returned by Submit when the intake queue is at capacity.
var ErrQueueFull = errors.New("scheduler: run queue full")

// RunStore is the repository view the scheduler needs. Status mutations are
// conditional on the current state; implementations return
// model.ErrInvalidTransition when the expected source state does not match.
type RunStore interface {
	CreateRun(ctx context.Context, run model.AgentRun) error
	GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error)
	TransitionRun(ctx context.Context, id uuid.UUID, from, to model.RunStatus) error
	// CompleteRun moves a non-terminal run to a terminal status and sets
	// its output payload.
	CompleteRun(ctx context.Context, id uuid.UUID, to model.RunStatus, output map[string]any) error
	// RecordStep increments the run's step count and accrues realized cost.
	RecordStep(ctx context.Context, id uuid.UUID, costUSD float64) error
}

// BudgetStore accrues realized spend into the owning org's budgets.
type BudgetStore interface {
	// AddSpend atomically increments spent_usd on every budget row of the
	// org. A missing row for a period is not an error.
	AddSpend(ctx context.Context, orgID uuid.UUID, amountUSD float64) error
}

// UsageStore appends audit records for realized provider charges.
type UsageStore interface {
	AppendUsage(ctx context.Context, rec model.UsageRecord) error
}

// ApprovalRequester creates pending decision traces. Implemented by the
// approval gate.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, runID uuid.UUID, stepNumber int, description string) (uuid.UUID, error)
}

// ProviderInvoker is the gateway capability the step loop calls.
type ProviderInvoker interface {
	Invoke(ctx context.Context, provider string, req gateway.Request) (gateway.Response, error)
}

// EventPublisher fans out lifecycle events to observers.
type EventPublisher interface {
	Publish(ev model.LogEvent)
}

// Config bounds the scheduler's resources.
type Config struct {
	// MaxConcurrentRuns bounds the pool of simultaneously executing runs.
	MaxConcurrentRuns int64
	// QueueSize bounds how many admitted runs may wait in queued state.
	QueueSize int
	// MaxStepsPerRun fails a run whose plan never completes.
	MaxStepsPerRun int
}

// Scheduler coordinates run execution. Construct with New, wire the
// approval gate's resumer to it, then call Start.
type Scheduler struct {
	store   RunStore
	budgets BudgetStore
	usage   UsageStore
	gw      ProviderInvoker
	gate    ApprovalRequester
	bus     EventPublisher
	cfg     Config
	logger  *slog.Logger

	sem *semaphore.Weighted
	// queue carries fresh submissions only; resumed runs re-enter the pool
	// through their own goroutine so an approval backlog can never exhaust
	// the channel and block Submit.
	queue chan uuid.UUID

	// runCtx governs run execution; set by Start. Submit, Resume and Cancel
	// take request contexts, but a run segment must outlive the request
	// that triggered it.
	runCtx context.Context

	qmu    sync.Mutex
	queued int

	mu sync.Mutex
	// cancelReasons holds cooperative cancellation requests, checked
	// between steps and after each provider call. In-flight provider calls
	// are never forcibly interrupted.
	cancelReasons map[uuid.UUID]string
	// pausedOutputs carries the last step output across an approval pause
	// so the resumed loop can hand it to the next provider call.
	pausedOutputs map[uuid.UUID]string

	wg sync.WaitGroup
}

// New creates a scheduler. The approval gate is passed as a requester here;
// bind the scheduler back to the gate via approval.Gate.BindResumer.
func New(store RunStore, budgets BudgetStore, usage UsageStore, gw ProviderInvoker, gate ApprovalRequester, bus EventPublisher, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:         store,
		budgets:       budgets,
		usage:         usage,
		gw:            gw,
		gate:          gate,
		bus:           bus,
		cfg:           cfg,
		logger:        logger,
		sem:           semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		queue:         make(chan uuid.UUID, cfg.QueueSize),
		runCtx:        context.Background(),
		cancelReasons: make(map[uuid.UUID]string),
		pausedOutputs: make(map[uuid.UUID]string),
	}
}

// Start launches the dispatch loop. It returns immediately; runs execute
// until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.runCtx = ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(ctx)
	}()
}

// Drain blocks until all in-flight runs finish or ctx expires.
func (s *Scheduler) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler: drain timed out with runs still in flight")
	}
}

// Submit creates the run record in queued state, enqueues it for execution
// and returns its ID immediately. Callers must have passed admission first.
func (s *Scheduler) Submit(ctx context.Context, req model.SubmitRunRequest) (uuid.UUID, error) {
	if err := req.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("scheduler: %w", err)
	}

	s.qmu.Lock()
	if s.queued >= s.cfg.QueueSize {
		s.qmu.Unlock()
		return uuid.Nil, ErrQueueFull
	}
	s.queued++
	s.qmu.Unlock()

	now := time.Now().UTC()
	run := model.AgentRun{
		ID:        uuid.New(),
		OrgID:     req.OrgID,
		ProjectID: req.ProjectID,
		Provider:  req.Provider,
		Model:     req.Model,
		Goal:      req.Goal,
		Mode:      req.Mode,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.qmu.Lock()
		s.queued--
		s.qmu.Unlock()
		return uuid.Nil, fmt.Errorf("scheduler: create run: %w", err)
	}

	s.publish(run.ID, model.EventRunQueued, model.LevelInfo, "run queued", map[string]any{
		"provider": run.Provider,
		"model":    run.Model,
	})

	// Cannot block: only submissions go through this channel, and the
	// queued counter reserved a slot before the send.
	s.queue <- run.ID
	return run.ID, nil
}

// Resume continues or cancels a run paused in awaiting_approval. Called by
// the approval gate with the human verdict. Resuming a run that is not
// awaiting approval reports model.ErrInvalidTransition without mutating
// anything.
func (s *Scheduler) Resume(ctx context.Context, runID uuid.UUID, approved bool, reason string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("scheduler: resume: %w", err)
	}
	if run.Status != model.RunStatusAwaitingApproval {
		return fmt.Errorf("scheduler: run %s is %s: %w", runID, run.Status, model.ErrInvalidTransition)
	}

	if !approved {
		s.publish(runID, model.EventApprovalResolved, model.LevelWarn, "approval rejected", map[string]any{
			"approved": false,
			"reason":   reason,
		})
		s.finish(ctx, runID, model.RunStatusCancelled, map[string]any{
			"reason":   reason,
			"rejected": true,
			"steps":    run.Steps,
		}, model.EventRunCancelled, model.LevelWarn, "run cancelled: approval rejected")
		return nil
	}

	if err := s.store.TransitionRun(ctx, runID, model.RunStatusAwaitingApproval, model.RunStatusRunning); err != nil {
		return fmt.Errorf("scheduler: resume run %s: %w", runID, err)
	}
	s.publish(runID, model.EventApprovalResolved, model.LevelInfo, "approval granted", map[string]any{
		"approved": true,
	})

	// The resumed run waits for a pool slot on its own goroutine rather
	// than re-entering the intake queue, so approval grants never compete
	// with fresh submissions for channel capacity.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.runCtx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		s.execute(s.runCtx, runID)
	}()
	return nil
}

// Cancel requests cancellation of a non-terminal run. Queued and paused
// runs are cancelled immediately; a running run observes the flag between
// steps — an in-flight provider call is allowed to finish or time out
// first.
func (s *Scheduler) Cancel(ctx context.Context, runID uuid.UUID, reason string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("scheduler: cancel: %w", err)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("scheduler: run %s is %s: %w", runID, run.Status, model.ErrInvalidTransition)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}

	s.mu.Lock()
	s.cancelReasons[runID] = reason
	s.mu.Unlock()

	switch run.Status {
	case model.RunStatusQueued, model.RunStatusAwaitingApproval:
		s.finish(ctx, runID, model.RunStatusCancelled, map[string]any{
			"reason": reason,
			"steps":  run.Steps,
		}, model.EventRunCancelled, model.LevelWarn, "run cancelled")
	default:
		s.logger.Info("scheduler: cancellation requested for running run",
			"run_id", runID, "reason", reason)
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			s.qmu.Lock()
			s.queued--
			s.qmu.Unlock()

			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			s.wg.Add(1)
			go func(runID uuid.UUID) {
				defer s.wg.Done()
				defer s.sem.Release(1)
				s.execute(ctx, runID)
			}(id)
		}
	}
}

// execute runs one scheduling segment of a run: from dequeue until it
// reaches a terminal state or pauses for approval.
func (s *Scheduler) execute(ctx context.Context, runID uuid.UUID) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		s.logger.Error("scheduler: load run", "run_id", runID, "error", err)
		return
	}

	switch run.Status {
	case model.RunStatusQueued:
		if err := s.store.TransitionRun(ctx, runID, model.RunStatusQueued, model.RunStatusRunning); err != nil {
			// Cancelled while queued; nothing to do.
			s.logger.Info("scheduler: skipping dequeued run", "run_id", runID, "status", run.Status)
			return
		}
		run.Status = model.RunStatusRunning
		s.publish(runID, model.EventRunStarted, model.LevelInfo, "run started", nil)
	case model.RunStatusRunning:
		// Resumed after an approval grant; the status was already moved
		// back to running by Resume.
	default:
		return
	}

	s.runSteps(ctx, run)
}

func (s *Scheduler) runSteps(ctx context.Context, run model.AgentRun) {
	priorOutput := s.takePausedOutput(run.ID)

	for step := run.Steps; ; step++ {
		if reason, ok := s.cancelReason(run.ID); ok {
			s.finish(ctx, run.ID, model.RunStatusCancelled, map[string]any{
				"reason": reason,
				"steps":  step,
			}, model.EventRunCancelled, model.LevelWarn, "run cancelled")
			return
		}
		if step >= s.cfg.MaxStepsPerRun {
			s.finish(ctx, run.ID, model.RunStatusFailed, map[string]any{
				"error": fmt.Sprintf("step limit of %d exceeded", s.cfg.MaxStepsPerRun),
				"steps": step,
			}, model.EventRunFailed, model.LevelError, "run failed: step limit exceeded")
			return
		}

		resp, err := s.gw.Invoke(ctx, run.Provider, gateway.Request{
			RunID:       run.ID,
			Model:       run.Model,
			Goal:        run.Goal,
			Mode:        run.Mode,
			Step:        step,
			PriorOutput: priorOutput,
		})

		// Realized cost settles after every provider call, independent of
		// outcome, so partial spend is never lost on failure.
		if resp.CostUSD > 0 {
			s.settle(ctx, run, step, resp.CostUSD)
		}

		if err != nil {
			s.publish(run.ID, model.EventProviderError, model.LevelError, "provider call failed", map[string]any{
				"provider": run.Provider,
				"step":     step,
				"error":    err.Error(),
			})
			s.finish(ctx, run.ID, model.RunStatusFailed, map[string]any{
				"error": err.Error(),
				"steps": step,
			}, model.EventRunFailed, model.LevelError, "run failed: provider error")
			return
		}

		if err := s.store.RecordStep(ctx, run.ID, resp.CostUSD); err != nil {
			s.logger.Error("scheduler: record step", "run_id", run.ID, "error", err)
		}
		s.publish(run.ID, model.EventStepCompleted, model.LevelInfo, "step completed", map[string]any{
			"step":     step,
			"cost_usd": resp.CostUSD,
			"done":     resp.Done,
		})
		priorOutput = resp.Output

		if resp.Done {
			s.finish(ctx, run.ID, model.RunStatusSucceeded, map[string]any{
				"result": resp.Output,
				"steps":  step + 1,
			}, model.EventRunSucceeded, model.LevelInfo, "run succeeded")
			return
		}

		if resp.RequiresApproval {
			s.pause(ctx, run, step, resp)
			return
		}
	}
}

// pause moves the run to awaiting_approval and creates the decision trace.
// The transition happens first so no resolution can race ahead of the
// status change; the trace itself is what Resolve operates on, and it does
// not exist until after the run is paused.
func (s *Scheduler) pause(ctx context.Context, run model.AgentRun, step int, resp gateway.Response) {
	if err := s.store.TransitionRun(ctx, run.ID, model.RunStatusRunning, model.RunStatusAwaitingApproval); err != nil {
		// Cancelled between steps; the flag check on the next segment
		// would have caught it too.
		s.logger.Info("scheduler: pause pre-empted", "run_id", run.ID, "error", err)
		return
	}

	reason := resp.ApprovalReason
	if reason == "" {
		reason = "step requires sign-off"
	}
	traceID, err := s.gate.RequestApproval(ctx, run.ID, step+1, reason)
	if err != nil {
		// Without a trace nobody can ever resolve the pause; fail the run
		// rather than leaving it stuck.
		s.logger.Error("scheduler: request approval", "run_id", run.ID, "error", err)
		s.finish(ctx, run.ID, model.RunStatusFailed, map[string]any{
			"error": fmt.Sprintf("approval request failed: %v", err),
			"steps": step + 1,
		}, model.EventRunFailed, model.LevelError, "run failed: approval request")
		return
	}

	s.mu.Lock()
	s.pausedOutputs[run.ID] = resp.Output
	s.mu.Unlock()

	s.publish(run.ID, model.EventApprovalRequired, model.LevelWarn, "run awaiting approval", map[string]any{
		"trace_id": traceID,
		"step":     step + 1,
		"reason":   reason,
	})
}

// settle accrues realized cost into the run, the org's budgets, and the
// append-only usage audit.
func (s *Scheduler) settle(ctx context.Context, run model.AgentRun, step int, costUSD float64) {
	if err := s.budgets.AddSpend(ctx, run.OrgID, costUSD); err != nil {
		s.logger.Error("scheduler: accrue budget spend",
			"run_id", run.ID, "org_id", run.OrgID, "error", err)
	}
	if err := s.usage.AppendUsage(ctx, model.UsageRecord{
		ID:        uuid.New(),
		RunID:     run.ID,
		OrgID:     run.OrgID,
		Provider:  run.Provider,
		Model:     run.Model,
		Step:      step,
		CostUSD:   costUSD,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Error("scheduler: append usage record", "run_id", run.ID, "error", err)
	}
}

// finish moves a run to a terminal state, sets its output payload and
// publishes the terminal event. Races with concurrent cancellation resolve
// through the conditional update: whoever loses logs and stands down.
func (s *Scheduler) finish(ctx context.Context, runID uuid.UUID, status model.RunStatus, output map[string]any, ev model.EventType, level model.LogLevel, msg string) {
	if err := s.store.CompleteRun(ctx, runID, status, output); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			s.logger.Info("scheduler: run already terminal", "run_id", runID, "target", status)
		} else {
			s.logger.Error("scheduler: complete run", "run_id", runID, "error", err)
		}
		return
	}

	s.mu.Lock()
	delete(s.cancelReasons, runID)
	delete(s.pausedOutputs, runID)
	s.mu.Unlock()

	s.publish(runID, ev, level, msg, output)
}

func (s *Scheduler) cancelReason(runID uuid.UUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.cancelReasons[runID]
	return reason, ok
}

func (s *Scheduler) takePausedOutput(runID uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pausedOutputs[runID]
	delete(s.pausedOutputs, runID)
	return out
}

func (s *Scheduler) publish(runID uuid.UUID, typ model.EventType, level model.LogLevel, msg string, payload map[string]any) {
	s.bus.Publish(model.NewLogEvent(runID, typ, level, msg, payload))
}
