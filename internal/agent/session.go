// Package agent holds the per-role sessions. A session keeps the role's
// conversation history, asks the policy engine what to do next and runs the
// chosen action through the tool executor.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pingpong/internal/domain"
)

var (
	ErrSessionAborted = errors.New("session aborted")
	ErrSessionBusy    = errors.New("session busy")
)

// Backend talks to the model. SwitchActiveRole is called before every
// instruction so a single backend can serve both roles.
type Backend interface {
	SwitchActiveRole(ctx context.Context, role domain.Role) error
	SendInstruction(ctx context.Context, text string, onStream domain.StreamFunc) (string, error)
}

type Executor interface {
	ExecuteTool(ctx context.Context, role domain.Role, action domain.Action) (domain.ToolResult, error)
}

type Decider interface {
	Decide(role domain.Role, snap domain.WorkflowContext) *domain.Action
}

type Publisher interface {
	Publish(n domain.Notification) error
}

const (
	qaSystemPrompt = `You are the QA agent. You turn the user's request into a written
specification, write failing tests against the frozen specification and run
them against the developer's implementation. Never write implementation code.`

	devSystemPrompt = `You are the developer agent. You implement code that satisfies the
frozen specification and makes the QA tests pass. Never edit the specification
or the tests.`
)

func SystemPrompt(role domain.Role) string {
	switch role {
	case domain.RoleQA:
		return qaSystemPrompt
	case domain.RoleDev:
		return devSystemPrompt
	default:
		return ""
	}
}

type Session struct {
	id       string
	role     domain.Role
	backend  Backend
	executor Executor
	policy   Decider
	pub      Publisher
	logger   *log.Logger

	heartbeat time.Duration
	now       func() time.Time

	mu       sync.Mutex
	status   domain.SessionStatus
	messages []domain.Message
	aborted  bool
}

func NewSession(
	role domain.Role,
	backend Backend,
	executor Executor,
	policy Decider,
	pub Publisher,
	logger *log.Logger,
) *Session {
	if logger == nil {
		logger = log.Default()
	}
	s := &Session{
		id:        uuid.NewString(),
		role:      role,
		backend:   backend,
		executor:  executor,
		policy:    policy,
		pub:       pub,
		logger:    logger,
		heartbeat: 15 * time.Second,
		now:       func() time.Time { return time.Now().UTC() },
		status:    domain.SessionStatusIdle,
	}
	s.messages = []domain.Message{s.newMessage(domain.MessageRoleSystem, SystemPrompt(role))}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Role() domain.Role {
	return s.role
}

func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Messages returns a copy of the conversation history, system message first.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages...)
}

// DecideNextAction asks the policy for the next action. Sessions that are not
// idle, or have been aborted, never act.
func (s *Session) DecideNextAction(snap domain.WorkflowContext) *domain.Action {
	s.mu.Lock()
	idle := s.status == domain.SessionStatusIdle && !s.aborted
	s.mu.Unlock()
	if !idle || s.policy == nil {
		return nil
	}
	return s.policy.Decide(s.role, snap)
}

// SendMessage appends content as a user message, forwards it to the backend
// and records the reply. Intermediate output is published as streaming
// notifications.
func (s *Session) SendMessage(ctx context.Context, content string) (string, error) {
	if err := s.begin(domain.SessionStatusThinking); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.messages = append(s.messages, s.newMessage(domain.MessageRoleUser, content))
	s.mu.Unlock()

	stop := startProgressHeartbeat(ctx, s.heartbeat, func(elapsed time.Duration) {
		s.logger.Printf("agent %s still thinking elapsed=%s", s.role, elapsed.Round(time.Second))
	})
	reply, err := s.instruct(ctx, content)
	stop()
	if err != nil {
		s.fail(err)
		return "", err
	}

	s.mu.Lock()
	s.messages = append(s.messages, s.newMessage(domain.MessageRoleAssistant, reply))
	s.mu.Unlock()
	s.setStatus(domain.SessionStatusIdle)
	return reply, nil
}

func (s *Session) instruct(ctx context.Context, content string) (string, error) {
	if s.backend == nil {
		return "", fmt.Errorf("agent %s has no backend", s.role)
	}
	if err := s.backend.SwitchActiveRole(ctx, s.role); err != nil {
		return "", fmt.Errorf("switch role %s: %w", s.role, err)
	}
	reply, err := s.backend.SendInstruction(ctx, content, func(chunk string, complete bool) {
		s.publish(domain.Notification{
			Kind:     domain.NotificationStreaming,
			Role:     s.role,
			Message:  chunk,
			Complete: complete,
		})
	})
	if err != nil {
		return "", fmt.Errorf("send instruction: %w", err)
	}
	return reply, nil
}

// ExecuteTool runs action through the executor. The session is executing for
// the duration and returns to idle afterwards; executor failures leave it in
// the error status until Reset.
func (s *Session) ExecuteTool(ctx context.Context, action domain.Action) (domain.ToolResult, error) {
	if err := s.begin(domain.SessionStatusExecuting); err != nil {
		return domain.ToolResult{}, err
	}
	if s.executor == nil {
		err := fmt.Errorf("agent %s has no tool executor", s.role)
		s.fail(err)
		return domain.ToolResult{}, err
	}

	started := s.now()
	stop := startProgressHeartbeat(ctx, s.heartbeat, func(elapsed time.Duration) {
		s.logger.Printf("agent %s still executing action=%s elapsed=%s", s.role, action.Type, elapsed.Round(time.Second))
	})
	result, err := s.executor.ExecuteTool(ctx, s.role, action)
	stop()
	if err != nil {
		s.fail(fmt.Errorf("execute %s: %w", action.Type, err))
		return domain.ToolResult{}, err
	}

	s.logger.Printf("agent %s action=%s success=%t files=%d duration_ms=%d",
		s.role, action.Type, result.Success, len(result.AffectedFiles), s.now().Sub(started).Milliseconds())
	s.mu.Lock()
	s.messages = append(s.messages, s.newMessage(domain.MessageRoleAssistant, summarizeResult(action, result)))
	s.mu.Unlock()
	s.setStatus(domain.SessionStatusIdle)

	a, r := action, result
	s.publish(domain.Notification{
		Kind:   domain.NotificationActionCompleted,
		Role:   s.role,
		Action: &a,
		Result: &r,
	})
	return result, nil
}

// Abort marks the session aborted. In-flight calls finish; later calls fail
// with ErrSessionAborted until Reset.
func (s *Session) Abort() {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	s.logger.Printf("agent %s aborted", s.role)
}

// Reset clears the history back to the system message and makes the session
// idle and usable again.
func (s *Session) Reset() {
	s.mu.Lock()
	s.messages = []domain.Message{s.newMessage(domain.MessageRoleSystem, SystemPrompt(s.role))}
	s.aborted = false
	s.mu.Unlock()
	s.setStatus(domain.SessionStatusIdle)
}

// begin moves an idle or errored session into status, refusing aborted and
// busy sessions.
func (s *Session) begin(status domain.SessionStatus) error {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return fmt.Errorf("agent %s: %w", s.role, ErrSessionAborted)
	}
	if s.status == domain.SessionStatusThinking || s.status == domain.SessionStatusExecuting {
		current := s.status
		s.mu.Unlock()
		return fmt.Errorf("agent %s is %s: %w", s.role, current, ErrSessionBusy)
	}
	s.mu.Unlock()
	s.setStatus(status)
	return nil
}

func (s *Session) fail(err error) {
	s.logger.Printf("agent %s error: %v", s.role, err)
	s.setStatus(domain.SessionStatusError)
	s.publish(domain.Notification{
		Kind:    domain.NotificationSessionError,
		Role:    s.role,
		Status:  domain.SessionStatusError,
		Message: err.Error(),
	})
}

func (s *Session) setStatus(status domain.SessionStatus) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if changed {
		s.publish(domain.Notification{Kind: domain.NotificationStatusChanged, Role: s.role, Status: status})
	}
}

func (s *Session) publish(n domain.Notification) {
	if s.pub == nil {
		return
	}
	n.At = s.now()
	if err := s.pub.Publish(n); err != nil {
		s.logger.Printf("agent %s publish kind=%s: %v", s.role, n.Kind, err)
	}
}

func (s *Session) newMessage(role domain.MessageRole, content string) domain.Message {
	return domain.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: s.now(),
	}
}

func summarizeResult(action domain.Action, result domain.ToolResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s success=%t", action.Type, result.Success)
	if len(result.AffectedFiles) > 0 {
		b.WriteString(" files=")
		b.WriteString(strings.Join(result.AffectedFiles, ","))
	}
	if result.Error != "" {
		b.WriteString(" error=")
		b.WriteString(trim(result.Error, 200))
	}
	return b.String()
}

func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stop := make(chan struct{})
	started := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	return func() {
		close(stop)
	}
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
