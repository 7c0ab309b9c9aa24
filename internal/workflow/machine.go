// Package workflow runs the turn-based QA/Dev workflow as a state machine.
// Exactly one state is active and only one event is processed at a time.
// Entering a state dispatches that phase's work to the owning role; when the
// work succeeds its completion is fed back as the next event, otherwise the
// machine waits for an event from outside.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"pingpong/internal/approval"
	"pingpong/internal/domain"
	"pingpong/internal/policy"
	"pingpong/internal/tools"
	"pingpong/internal/workctx"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrTerminalState     = errors.New("workflow is in a terminal state")
)

type Session interface {
	Role() domain.Role
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

type Publisher interface {
	Publish(n domain.Notification) error
}

type Config struct {
	// SpecPath is where QA writes the spec, relative to the workspace.
	SpecPath string
	// MaxSpecRevisions bounds how often a rejected spec is rewritten
	// without outside input. Zero means the context's max iterations.
	MaxSpecRevisions int
}

type Machine struct {
	wctx     *workctx.Manager
	sessions map[domain.Role]Session
	approver Approver
	notifier Notifier
	pub      Publisher
	specs    *policy.Engine
	cfg      Config
	logger   *log.Logger
	now      func() time.Time

	// handleMu serializes event processing. Abort, USER_ABORT and ERROR
	// never take it.
	handleMu sync.Mutex

	mu        sync.Mutex
	state     domain.State
	history   []domain.Transition
	lastErr   string
	revisions int
	epoch     uint64
	base      context.Context
	cancel    context.CancelFunc
}

func New(
	wctx *workctx.Manager,
	sessions []Session,
	approver Approver,
	notifier Notifier,
	pub Publisher,
	cfg Config,
	logger *log.Logger,
) *Machine {
	if logger == nil {
		logger = log.Default()
	}
	byRole := make(map[domain.Role]Session, len(sessions))
	for _, s := range sessions {
		byRole[s.Role()] = s
	}
	base, cancel := context.WithCancel(context.Background())
	return &Machine{
		wctx:     wctx,
		sessions: byRole,
		approver: approver,
		notifier: notifier,
		pub:      pub,
		specs:    policy.New(cfg.SpecPath),
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		state:    domain.StateIdle,
		base:     base,
		cancel:   cancel,
	}
}

func (m *Machine) State() domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) History() []domain.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Transition(nil), m.history...)
}

func (m *Machine) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Machine) Context() *workctx.Manager {
	return m.wctx
}

// Start fires START from IDLE. Sessions left aborted by an earlier run are
// reset first.
func (m *Machine) Start(ctx context.Context) error {
	if state := m.State(); state != domain.StateIdle {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, state)
	}
	for _, s := range m.sessions {
		if s.Aborted() {
			s.Reset()
		}
	}
	m.mu.Lock()
	m.revisions = 0
	m.lastErr = ""
	m.mu.Unlock()
	return m.HandleEvent(ctx, domain.EventStart)
}

// HandleEvent processes event and every follow-up event produced by the
// entry actions it triggers. Unknown state and event pairs are rejected with
// ErrInvalidTransition and leave the state untouched. Failures and panics
// while processing move the machine to ERROR.
//
// USER_ABORT and ERROR preempt a run that is still processing, for example
// one waiting on spec approval.
func (m *Machine) HandleEvent(ctx context.Context, event domain.Event) error {
	if event == domain.EventUserAbort || event == domain.EventError {
		return m.preempt(ctx, event)
	}
	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	m.mu.Lock()
	epoch := m.epoch
	base := m.base
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(base, cancel)
	defer stop()

	for event != "" {
		next, err := m.step(runCtx, epoch, event)
		if err != nil {
			return err
		}
		event = next
	}
	return nil
}

func (m *Machine) step(ctx context.Context, epoch uint64, event domain.Event) (follow domain.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.fail(epoch, event, fmt.Sprintf("panic while handling %s: %v", event, r))
			follow, err = "", fmt.Errorf("handle %s: panic: %v", event, r)
		}
	}()

	from := m.State()
	if from.Terminal() {
		return "", fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	rule, ok := lookup(from, event)
	if !ok {
		return "", fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event, from)
	}

	to := rule.To[0]
	switch {
	case from == domain.StateSpecCreation && event == domain.EventSpecCreated:
		d, err := m.approver.AskApproval(ctx, approval.KindSpec, trim(m.wctx.Snapshot().SpecContent, 2000))
		if err != nil {
			return "", m.abortedOr(ctx, epoch, event, fmt.Errorf("spec approval: %w", err))
		}
		if !d.Approved {
			return m.reviseSpec(ctx, epoch, d.Feedback)
		}
	case from == domain.StateRunningTests && event == domain.EventTestsFailed:
		iteration := m.wctx.IncrementIteration()
		if iteration >= m.wctx.Snapshot().MaxIterations {
			to = domain.StatePaused
		}
	case from == domain.StatePaused && event == domain.EventUserContinue:
		m.wctx.ResetIteration()
		m.wctx.ResumeWorkflow()
	}
	return m.move(ctx, epoch, from, to, event)
}

// move records the transition and runs the entry action of to.
func (m *Machine) move(ctx context.Context, epoch uint64, from, to domain.State, event domain.Event) (domain.Event, error) {
	if !m.transition(epoch, from, to, event, "") {
		return "", ctx.Err()
	}
	follow, err := m.enter(ctx, epoch, to, event)
	if err != nil {
		return "", m.abortedOr(ctx, epoch, event, err)
	}
	return follow, nil
}

func (m *Machine) enter(ctx context.Context, epoch uint64, state domain.State, event domain.Event) (domain.Event, error) {
	switch state {
	case domain.StateIdle:
		m.wctx.PauseWorkflow("aborted by user")
		return "", nil
	case domain.StateSpecCreation:
		if event == domain.EventStart {
			m.wctx.StartWorkflow()
		}
		return m.writeSpec(ctx, "")
	case domain.StateSpecFrozen:
		m.wctx.FreezeSpec()
		return m.move(ctx, epoch, domain.StateSpecFrozen, domain.StateTestWriting, event)
	case domain.StateTestWriting:
		result, ok, err := m.execute(ctx, domain.RoleQA, domain.Action{Type: domain.ActionWriteTest, Description: "write tests for the frozen spec"})
		if err != nil || !ok {
			return "", err
		}
		for _, f := range result.AffectedFiles {
			m.wctx.AddTestFile(f, domain.RoleQA)
		}
		return domain.EventTestsWritten, nil
	case domain.StateImplementing:
		result, ok, err := m.execute(ctx, domain.RoleDev, domain.Action{Type: domain.ActionWriteCode, Description: "implement until the tests pass"})
		if err != nil {
			return "", err
		}
		for _, f := range result.AffectedFiles {
			m.wctx.AddCreatedFile(f, domain.RoleDev)
		}
		for _, f := range result.ModifiedFiles {
			m.wctx.AddModifiedFile(f, domain.RoleDev)
		}
		if !ok {
			return "", nil
		}
		return domain.EventImplementationDone, nil
	case domain.StateRunningTests:
		return m.runTests(ctx)
	case domain.StateCodeReview:
		m.wctx.LockSpec()
		return m.review(ctx)
	case domain.StateCompleted:
		m.wctx.CompleteWorkflow()
		m.notify("workflow completed", domain.SeverityInfo)
		return "", nil
	case domain.StatePaused:
		// IncrementIteration already deactivated the context and published
		// the paused notification.
		m.notify(tools.PausedInstruction(m.wctx.Snapshot()), domain.SeverityWarning)
		return "", nil
	default:
		return "", fmt.Errorf("no entry action for state %s", state)
	}
}

func (m *Machine) writeSpec(ctx context.Context, feedback string) (domain.Event, error) {
	target := m.specs.SpecTarget(m.wctx.Snapshot().WorkspacePath)
	result, ok, err := m.execute(ctx, domain.RoleQA, domain.Action{
		Type:        domain.ActionWriteSpec,
		Description: "write the specification",
		TargetFile:  target,
		Content:     feedback,
	})
	if err != nil || !ok {
		return "", err
	}
	path := target
	if len(result.AffectedFiles) > 0 {
		path = result.AffectedFiles[0]
	}
	m.wctx.UpdateSpec(result.Output, path)
	return domain.EventSpecCreated, nil
}

// reviseSpec keeps the machine in SPEC_CREATION and asks QA for a new
// version. Past the revision limit the machine waits for an outside
// SPEC_CREATED instead of asking for approval again.
func (m *Machine) reviseSpec(ctx context.Context, epoch uint64, feedback string) (domain.Event, error) {
	m.mu.Lock()
	m.revisions++
	revisions := m.revisions
	m.mu.Unlock()

	limit := m.cfg.MaxSpecRevisions
	if limit <= 0 {
		limit = m.wctx.Snapshot().MaxIterations
	}
	m.logger.Printf("workflow spec rejected revision=%d limit=%d", revisions, limit)
	m.publish(domain.Notification{
		Kind:    domain.NotificationStatusChanged,
		Role:    domain.RoleQA,
		Message: "spec revision requested: " + feedback,
	})

	follow, err := m.writeSpec(ctx, firstNonEmpty(feedback, "revise the specification"))
	if err != nil {
		return "", m.abortedOr(ctx, epoch, domain.EventSpecCreated, err)
	}
	if revisions >= limit {
		m.notify(fmt.Sprintf("spec rejected %d times; waiting for SPEC_CREATED", revisions), domain.SeverityWarning)
		return "", nil
	}
	return follow, nil
}

func (m *Machine) runTests(ctx context.Context) (domain.Event, error) {
	result, _, err := m.execute(ctx, domain.RoleQA, domain.Action{Type: domain.ActionRunTest, Description: "run the test suite"})
	if errors.Is(err, tools.ErrNoTestCommand) {
		m.notify("tests could not run: "+err.Error(), domain.SeverityError)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	tr := domain.TestResult{
		Passed:      result.Success,
		Output:      firstNonEmpty(result.Output, result.Error),
		TriggeredBy: domain.RoleQA,
	}
	tr.PassedCount, tr.FailedCount = tools.CountTests(tr.Output)
	tr.Total = tr.PassedCount + tr.FailedCount
	m.wctx.AddTestResult(tr)
	if result.Success {
		return domain.EventTestsPassed, nil
	}
	return domain.EventTestsFailed, nil
}

func (m *Machine) review(ctx context.Context) (domain.Event, error) {
	result, ok, err := m.execute(ctx, domain.RoleQA, domain.Action{Type: domain.ActionReviewCode, Description: "review the implementation"})
	if err != nil || !ok {
		return "", err
	}
	d, err := m.approver.AskApproval(ctx, approval.KindReview, trim(result.Output, 2000))
	if err != nil {
		return "", fmt.Errorf("review approval: %w", err)
	}
	if !d.Approved {
		return domain.EventReviewRejected, nil
	}
	return domain.EventReviewApproved, nil
}

// execute runs action on the role's session. ok is false when the action
// ran but failed; the failure is reported and the machine waits.
func (m *Machine) execute(ctx context.Context, role domain.Role, action domain.Action) (domain.ToolResult, bool, error) {
	s, found := m.sessions[role]
	if !found {
		return domain.ToolResult{}, false, fmt.Errorf("no %s session", role)
	}
	// In-flight work is not interrupted by Abort; its result is dropped below.
	result, err := s.ExecuteTool(context.WithoutCancel(ctx), action)
	if ctx.Err() != nil {
		return domain.ToolResult{}, false, ctx.Err()
	}
	if err != nil {
		return domain.ToolResult{}, false, fmt.Errorf("%s %s: %w", role, action.Type, err)
	}
	if !result.Success && action.Type != domain.ActionRunTest {
		m.notify(fmt.Sprintf("%s %s failed in %s: %s", role, action.Type, m.State(), firstNonEmpty(result.Error, "no details")), domain.SeverityError)
		return result, false, nil
	}
	return result, true, nil
}

// preempt applies USER_ABORT or ERROR without waiting for the event being
// processed. Like Abort it bumps the epoch and cancels the base context, so
// in-flight work is dropped, but it records the table transition.
func (m *Machine) preempt(ctx context.Context, event domain.Event) error {
	m.mu.Lock()
	from := m.state
	if from.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	if event == domain.EventUserAbort {
		if _, ok := lookup(from, event); !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event, from)
		}
	}
	m.epoch++
	epoch := m.epoch
	cancel := m.cancel
	m.base, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()
	cancel()

	if event == domain.EventError {
		m.fail(epoch, event, "error event received in "+string(from))
		return nil
	}
	for _, s := range m.sessions {
		s.Abort()
	}
	_, err := m.move(ctx, epoch, from, domain.StateIdle, event)
	return err
}

// SendMessageToAgent forwards a user message to the role's session outside
// of the event flow.
func (m *Machine) SendMessageToAgent(ctx context.Context, role domain.Role, text string) (string, error) {
	s, ok := m.sessions[role]
	if !ok {
		return "", fmt.Errorf("no %s session", role)
	}
	return s.SendMessage(ctx, text)
}

// Abort stops the current run without waiting for it. In-flight work is not
// interrupted but nothing it returns is applied.
func (m *Machine) Abort() {
	m.mu.Lock()
	m.epoch++
	cancel := m.cancel
	m.base, m.cancel = context.WithCancel(context.Background())
	from := m.state
	m.state = domain.StateIdle
	m.mu.Unlock()

	cancel()
	for _, s := range m.sessions {
		s.Abort()
	}
	m.wctx.PauseWorkflow("aborted")
	m.logger.Printf("workflow aborted from=%s", from)
	m.publish(domain.Notification{
		Kind:    domain.NotificationTransition,
		From:    string(from),
		To:      string(domain.StateIdle),
		Message: "abort",
	})
}

// Reset aborts any run and restores a fresh context, fresh sessions and an
// empty history.
func (m *Machine) Reset() {
	m.Abort()
	m.mu.Lock()
	m.history = nil
	m.lastErr = ""
	m.revisions = 0
	m.mu.Unlock()
	for _, s := range m.sessions {
		s.Reset()
	}
	m.wctx.Reset()
}

// transition applies from -> to unless an abort happened since the event
// started. It reports whether the transition was applied.
func (m *Machine) transition(epoch uint64, from, to domain.State, event domain.Event, reason string) bool {
	m.mu.Lock()
	if m.epoch != epoch || m.state != from {
		m.mu.Unlock()
		return false
	}
	if !IsValidTransition(from, to) {
		m.mu.Unlock()
		panic(fmt.Sprintf("transition %s -> %s is not in the table", from, to))
	}
	t := domain.Transition{From: from, To: to, Event: event, Reason: reason, At: m.now()}
	m.state = to
	m.history = append(m.history, t)
	m.mu.Unlock()

	m.logger.Printf("workflow transition from=%s to=%s event=%s", from, to, event)
	m.publish(domain.Notification{
		Kind:    domain.NotificationTransition,
		From:    string(from),
		To:      string(to),
		Message: string(event),
	})
	return true
}

func (m *Machine) fail(epoch uint64, event domain.Event, reason string) {
	from := m.State()
	if from.Terminal() {
		return
	}
	if !m.transition(epoch, from, domain.StateError, event, reason) {
		return
	}
	m.mu.Lock()
	m.lastErr = reason
	m.mu.Unlock()
	m.wctx.PauseWorkflow(reason)
	m.notify(fmt.Sprintf("workflow failed in %s: %s", from, reason), domain.SeverityError)
}

// abortedOr returns the context error when the run was aborted, and
// otherwise moves the machine to ERROR with err.
func (m *Machine) abortedOr(ctx context.Context, epoch uint64, event domain.Event, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.fail(epoch, event, err.Error())
	return err
}

func (m *Machine) notify(message string, severity domain.Severity) {
	if m.notifier != nil {
		m.notifier.NotifyUser(message, severity)
		return
	}
	m.logger.Printf("workflow notify severity=%s message=%q", severity, message)
}

func (m *Machine) publish(n domain.Notification) {
	if m.pub == nil {
		return
	}
	n.Snapshot = m.wctx.Snapshot()
	n.At = m.now()
	if err := m.pub.Publish(n); err != nil {
		m.logger.Printf("workflow publish kind=%s: %v", n.Kind, err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
