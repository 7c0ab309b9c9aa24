// Package orchestrator runs QA and Dev side by side. A single tick loop reads
// one context snapshot, lets every idle session decide its next action,
// executes those actions concurrently and folds their results back into the
// shared context in role order.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pingpong/internal/approval"
	"pingpong/internal/domain"
	"pingpong/internal/tools"
	"pingpong/internal/workctx"
)

const coordinatorActor = "coordinator"

var (
	ErrAlreadyRunning = errors.New("parallel mode is already running")
	ErrNotRunning     = errors.New("parallel mode is not running")
	ErrUnknownRole    = errors.New("no session for role")
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

type Session interface {
	Role() domain.Role
	Status() domain.SessionStatus
	DecideNextAction(snap domain.WorkflowContext) *domain.Action
	SendMessage(ctx context.Context, content string) (string, error)
	ExecuteTool(ctx context.Context, action domain.Action) (domain.ToolResult, error)
	Aborted() bool
	Abort()
	Reset()
}

type Approver interface {
	AskApproval(ctx context.Context, kind, summary string) (approval.Decision, error)
}

type Notifier interface {
	NotifyUser(message string, severity domain.Severity)
}

// Journal receives the coordinator's decisions. It may be nil.
type Journal interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

// Observer receives tick and action timings. It may be nil.
type Observer interface {
	ObserveTick(duration time.Duration, actions int)
	ObserveAction(role domain.Role, action domain.ActionType, success bool, duration time.Duration)
}

type Config struct {
	WorkflowID        string
	TickInterval      time.Duration
	CompletenessEvery int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 200 * time.Millisecond
	}
	if c.CompletenessEvery <= 0 {
		c.CompletenessEvery = 3
	}
	return c
}

type Coordinator struct {
	wctx     *workctx.Manager
	sessions []Session
	approver Approver
	notifier Notifier
	journal  Journal
	observer Observer
	cfg      Config
	logger   *log.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu           sync.Mutex
	status       Status
	tick         int
	epoch        uint64
	cancel       context.CancelFunc
	specFeedback string
}

// New orders sessions by role so folds always apply QA before Dev.
func New(
	wctx *workctx.Manager,
	sessions []Session,
	approver Approver,
	notifier Notifier,
	journal Journal,
	observer Observer,
	cfg Config,
	logger *log.Logger,
) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	ordered := make([]Session, 0, len(sessions))
	for _, role := range domain.Roles {
		for _, s := range sessions {
			if s.Role() == role {
				ordered = append(ordered, s)
			}
		}
	}
	return &Coordinator{
		wctx:     wctx,
		sessions: ordered,
		approver: approver,
		notifier: notifier,
		journal:  journal,
		observer: observer,
		cfg:      cfg,
		logger:   logger,
		status:   StatusIdle,
	}
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Tick returns how many ticks the current run has processed.
func (c *Coordinator) Tick() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

func (c *Coordinator) Running() bool {
	return c.running.Load()
}

func (c *Coordinator) Context() *workctx.Manager {
	return c.wctx
}

// StartParallelMode activates the workflow and starts the tick loop. The loop
// outlives ctx only until ctx is canceled; callers serving requests should
// pass a long-lived context.
func (c *Coordinator) StartParallelMode(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	for _, s := range c.sessions {
		if s.Aborted() || s.Status() == domain.SessionStatusError {
			s.Reset()
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.status = StatusRunning
	c.tick = 0
	c.cancel = cancel
	epoch := c.epoch
	c.mu.Unlock()

	c.wctx.StartWorkflow()
	c.logDecision("start", "parallel mode started", map[string]any{"tick_interval": c.cfg.TickInterval.String()})
	c.logger.Printf("coordinator started sessions=%d tick=%s", len(c.sessions), c.cfg.TickInterval)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		defer cancel()
		c.tickLoop(loopCtx, epoch)
	}()
	return nil
}

// Wait blocks until the tick loop has exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) tickLoop(ctx context.Context, epoch uint64) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.Status() != StatusRunning {
				continue
			}
			if err := c.tickOnce(ctx, epoch); err != nil {
				c.logger.Printf("coordinator tick error: %v", err)
			}
			switch c.Status() {
			case StatusCompleted, StatusIdle:
				return
			}
		}
	}
}

type outcome struct {
	session  Session
	action   *domain.Action
	result   domain.ToolResult
	err      error
	duration time.Duration
}

func (c *Coordinator) tickOnce(ctx context.Context, epoch uint64) error {
	started := time.Now()
	snap := c.wctx.Snapshot()

	outcomes := make([]outcome, len(c.sessions))
	// In-flight actions finish even if the run is aborted; stale results are
	// dropped by the epoch check below.
	execCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for i, s := range c.sessions {
		i, s := i, s
		outcomes[i].session = s
		g.Go(func() error {
			action := s.DecideNextAction(snap)
			if action == nil {
				action = c.revision(s, snap)
			}
			if action == nil {
				return nil
			}
			actionStarted := time.Now()
			result, err := s.ExecuteTool(execCtx, *action)
			outcomes[i].action = action
			outcomes[i].result = result
			outcomes[i].err = err
			outcomes[i].duration = time.Since(actionStarted)
			return nil
		})
	}
	waited := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		// The loop exits now; the abandoned actions finish on their own
		// and nothing reads their outcomes.
		c.logger.Printf("coordinator left tick with actions in flight")
		return nil
	}

	if !c.current(epoch) {
		c.logger.Printf("coordinator dropped results of aborted tick")
		return nil
	}

	executed := 0
	var errs []error
	for _, o := range outcomes {
		if o.action == nil {
			continue
		}
		executed++
		if c.observer != nil {
			c.observer.ObserveAction(o.session.Role(), o.action.Type, o.err == nil && o.result.Success, o.duration)
		}
		if err := c.fold(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	c.tick++
	tick := c.tick
	c.mu.Unlock()

	if tick%c.cfg.CompletenessEvery == 0 {
		if err := c.checkCompleteness(ctx, epoch); err != nil {
			errs = append(errs, err)
		}
	}
	if c.observer != nil {
		c.observer.ObserveTick(time.Since(started), executed)
	}
	return errors.Join(errs...)
}

// fold applies one action outcome to the shared context.
func (c *Coordinator) fold(ctx context.Context, o outcome) error {
	role := o.session.Role()
	if o.err != nil {
		if errors.Is(o.err, tools.ErrNoTestCommand) {
			c.notify("no test command could be run: "+o.err.Error(), domain.SeverityError)
		}
		c.logDecision("action_failed", o.err.Error(), map[string]any{"role": role, "action": o.action.Type})
		return fmt.Errorf("%s %s: %w", role, o.action.Type, o.err)
	}

	result := o.result
	switch o.action.Type {
	case domain.ActionWriteSpec:
		if !result.Success {
			break
		}
		path := o.action.TargetFile
		if len(result.AffectedFiles) > 0 {
			path = result.AffectedFiles[0]
		}
		c.mu.Lock()
		c.specFeedback = ""
		c.mu.Unlock()
		c.wctx.UpdateSpec(result.Output, path)
		c.reviewSpec(ctx, result.Output)
	case domain.ActionWriteTest:
		if !result.Success {
			break
		}
		for _, f := range result.AffectedFiles {
			c.wctx.AddTestFile(f, role)
		}
	case domain.ActionWriteCode:
		// Files written before a partial failure stay tracked.
		for _, f := range result.AffectedFiles {
			c.wctx.AddCreatedFile(f, role)
		}
		for _, f := range result.ModifiedFiles {
			c.wctx.AddModifiedFile(f, role)
		}
	case domain.ActionRunTest:
		tr := testResultFrom(result, role)
		c.wctx.AddTestResult(tr)
		if tr.Passed && c.wctx.Snapshot().SpecStatus == domain.SpecStatusFrozen {
			c.wctx.LockSpec()
		}
	}

	c.logDecision(string(o.action.Type), firstNonEmpty(result.Error, trimText(result.Output, 200)), map[string]any{
		"role":           role,
		"success":        result.Success,
		"affected_files": result.AffectedFiles,
		"modified_files": result.ModifiedFiles,
	})
	return nil
}

// reviewSpec asks for approval of a freshly written spec. Approval freezes
// it; rejection keeps the draft and queues the feedback for a revision.
func (c *Coordinator) reviewSpec(ctx context.Context, content string) {
	d, err := c.approver.AskApproval(ctx, approval.KindSpec, trimText(content, 2000))
	if err != nil {
		c.logger.Printf("coordinator spec approval error: %v", err)
		return
	}
	if d.Approved {
		c.wctx.FreezeSpec()
		c.logDecision("spec_frozen", "spec approved", nil)
		return
	}
	c.mu.Lock()
	c.specFeedback = firstNonEmpty(d.Feedback, "The specification was rejected. Tighten it.")
	c.mu.Unlock()
	c.logDecision("spec_rejected", d.Feedback, nil)
	c.notify("spec rejected: "+firstNonEmpty(d.Feedback, "no feedback"), domain.SeverityWarning)
}

// checkCompleteness completes the workflow when the latest run passed against
// a locked spec and the completion is approved. Otherwise it spends one
// iteration and pauses when the budget is gone.
//
// The iteration is not advanced when the workflow completes or the approval
// call returns an error. A run aborted meanwhile is left untouched.
func (c *Coordinator) checkCompleteness(ctx context.Context, epoch uint64) error {
	snap := c.wctx.Snapshot()
	latest, ok := snap.LatestTestResult()
	if ok && latest.Passed && snap.SpecStatus == domain.SpecStatusLocked {
		d, err := c.approver.AskApproval(ctx, approval.KindCompletion, completionSummary(snap))
		if err != nil {
			if !c.current(epoch) {
				return nil
			}
			return fmt.Errorf("completion approval: %w", err)
		}
		if d.Approved && c.current(epoch) {
			c.CompleteWorkflow()
			return nil
		}
	}
	if !c.current(epoch) {
		return nil
	}

	iteration := c.wctx.IncrementIteration()
	if iteration >= snap.MaxIterations {
		c.mu.Lock()
		c.status = StatusPaused
		c.mu.Unlock()
		c.logDecision("paused", "maximum iterations reached", map[string]any{"iteration": iteration})
		c.notify(fmt.Sprintf("paused after %d iterations", iteration), domain.SeverityWarning)
	}
	return nil
}

// SendMessageToAgent forwards free-form text to the session owning role.
func (c *Coordinator) SendMessageToAgent(ctx context.Context, role domain.Role, content string) (string, error) {
	for _, s := range c.sessions {
		if s.Role() == role {
			return s.SendMessage(ctx, content)
		}
	}
	return "", fmt.Errorf("%w %s", ErrUnknownRole, role)
}

func (c *Coordinator) FreezeSpec() {
	c.wctx.FreezeSpec()
	c.logDecision("spec_frozen", "frozen by user", nil)
}

func (c *Coordinator) LockSpec() {
	c.wctx.LockSpec()
	c.logDecision("spec_locked", "locked by user", nil)
}

// PauseWorkflow stops ticking without interrupting in-flight actions.
func (c *Coordinator) PauseWorkflow(reason string) error {
	c.mu.Lock()
	if c.status != StatusRunning {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.status = StatusPaused
	c.mu.Unlock()
	c.wctx.PauseWorkflow(reason)
	c.logDecision("paused", reason, nil)
	return nil
}

// ResumeWorkflow continues a paused run. An exhausted iteration budget is
// reset first and errored sessions get a fresh start.
func (c *Coordinator) ResumeWorkflow() error {
	c.mu.Lock()
	if c.status != StatusPaused || !c.running.Load() {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.status = StatusRunning
	c.mu.Unlock()

	snap := c.wctx.Snapshot()
	if snap.Iteration >= snap.MaxIterations {
		c.wctx.ResetIteration()
	}
	for _, s := range c.sessions {
		if s.Status() == domain.SessionStatusError {
			s.Reset()
		}
	}
	c.wctx.ResumeWorkflow()
	c.logDecision("resumed", "resumed by user", nil)
	return nil
}

// CompleteWorkflow marks the run completed and stops the tick loop.
func (c *Coordinator) CompleteWorkflow() {
	c.mu.Lock()
	c.status = StatusCompleted
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wctx.CompleteWorkflow()
	c.logDecision("completed", "workflow completed", nil)
	c.notify("workflow completed", domain.SeverityInfo)
}

// Abort stops the loop at once. Actions already executing run to completion
// but their results are discarded.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	c.epoch++
	c.status = StatusIdle
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, s := range c.sessions {
		s.Abort()
	}
	c.logDecision("aborted", "aborted by user", nil)
	c.logger.Printf("coordinator aborted")
}

// Reset aborts the run and restores a freshly created context and sessions.
func (c *Coordinator) Reset() {
	c.Abort()
	c.mu.Lock()
	c.tick = 0
	c.specFeedback = ""
	c.mu.Unlock()
	for _, s := range c.sessions {
		s.Reset()
	}
	c.wctx.Reset()
	c.logDecision("reset", "context reset", nil)
}

// revision gives an idle QA session a write_spec action carrying the
// feedback of a rejected draft. The feedback is kept until a spec is written.
func (c *Coordinator) revision(s Session, snap domain.WorkflowContext) *domain.Action {
	if s.Role() != domain.RoleQA || s.Aborted() || s.Status() != domain.SessionStatusIdle {
		return nil
	}
	if !snap.HasSpec() || snap.SpecStatus != domain.SpecStatusDraft {
		return nil
	}
	c.mu.Lock()
	feedback := c.specFeedback
	c.mu.Unlock()
	if feedback == "" {
		return nil
	}
	return &domain.Action{
		Type:        domain.ActionWriteSpec,
		Description: "Revise the specification",
		TargetFile:  snap.SpecPath,
		Content:     feedback,
	}
}

func (c *Coordinator) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch
}

func (c *Coordinator) notify(message string, severity domain.Severity) {
	if c.notifier == nil {
		c.logger.Printf("coordinator %s: %s", severity, message)
		return
	}
	c.notifier.NotifyUser(message, severity)
}

func (c *Coordinator) logDecision(action, reason string, payload map[string]any) {
	if c.journal == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	err := c.journal.LogDecision(context.Background(), domain.DecisionLog{
		WorkflowID: c.cfg.WorkflowID,
		Actor:      coordinatorActor,
		Action:     action,
		Reason:     trimText(reason, 500),
		Payload:    mustJSON(payload),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		c.logger.Printf("coordinator log decision %s error: %v", action, err)
	}
}

// testResultFrom reads a run_test result. A run passes only when the command
// succeeded and its output mentions "passed"; counts are best effort.
func testResultFrom(result domain.ToolResult, by domain.Role) domain.TestResult {
	output := firstNonEmpty(result.Output, result.Error)
	passed := result.Success && strings.Contains(strings.ToLower(output), "passed")
	tr := domain.TestResult{
		Passed:      passed,
		Output:      output,
		Timestamp:   time.Now().UTC(),
		TriggeredBy: by,
	}
	tr.PassedCount, tr.FailedCount = tools.CountTests(output)
	tr.Total = tr.PassedCount + tr.FailedCount
	return tr
}

func completionSummary(snap domain.WorkflowContext) string {
	latest, _ := snap.LatestTestResult()
	return fmt.Sprintf("prompt=%q tests=%d files=%d passed=%d failed=%d",
		trimText(snap.OriginalPrompt, 120),
		len(snap.ImplementationStatus.TestsCreated),
		len(snap.ImplementationStatus.FilesCreated),
		latest.PassedCount,
		latest.FailedCount,
	)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func trimText(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
