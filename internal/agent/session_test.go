package agent

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingpong/internal/domain"
	"pingpong/internal/messaging/inproc"
	"pingpong/internal/policy"
)

type echoBackend struct {
	mu     sync.Mutex
	active domain.Role
	err    error
}

func (b *echoBackend) SwitchActiveRole(_ context.Context, role domain.Role) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = role
	return nil
}

func (b *echoBackend) SendInstruction(_ context.Context, text string, onStream domain.StreamFunc) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	onStream("partial", false)
	onStream("echo: "+text, true)
	return "echo: " + text, nil
}

// blockingExecutor holds ExecuteTool until release is closed.
type blockingExecutor struct {
	started chan struct{}
	release chan struct{}
	result  domain.ToolResult
	err     error
}

func (e *blockingExecutor) ExecuteTool(context.Context, domain.Role, domain.Action) (domain.ToolResult, error) {
	if e.started != nil {
		close(e.started)
	}
	if e.release != nil {
		<-e.release
	}
	return e.result, e.err
}

func newTestSession(t *testing.T, role domain.Role, backend Backend, exec Executor) (*Session, <-chan domain.Notification) {
	t.Helper()
	bus := inproc.New(256)
	ch := bus.Subscribe("test")
	return NewSession(role, backend, exec, policy.New(""), bus, log.New(io.Discard, "", 0)), ch
}

func drain(ch <-chan domain.Notification) []domain.Notification {
	var out []domain.Notification
	for {
		select {
		case n := <-ch:
			out = append(out, n)
		default:
			return out
		}
	}
}

func kinds(ns []domain.Notification) []domain.NotificationKind {
	out := make([]domain.NotificationKind, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Kind)
	}
	return out
}

func TestNewSessionStartsIdleWithSystemMessage(t *testing.T) {
	s, _ := newTestSession(t, domain.RoleQA, &echoBackend{}, nil)

	assert.Equal(t, domain.SessionStatusIdle, s.Status())
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageRoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "QA agent")
}

func TestSendMessageRecordsReplyAndStreams(t *testing.T) {
	backend := &echoBackend{}
	s, ch := newTestSession(t, domain.RoleDev, backend, nil)

	reply, err := s.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", reply)
	assert.Equal(t, domain.RoleDev, backend.active)

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.MessageRoleUser, msgs[1].Role)
	assert.Equal(t, domain.MessageRoleAssistant, msgs[2].Role)

	got := drain(ch)
	var streams []domain.Notification
	for _, n := range got {
		if n.Kind == domain.NotificationStreaming {
			streams = append(streams, n)
		}
	}
	require.Len(t, streams, 2)
	assert.False(t, streams[0].Complete)
	assert.True(t, streams[1].Complete)
	assert.Equal(t, domain.SessionStatusIdle, s.Status())
}

func TestSendMessageTransportErrorSetsErrorStatus(t *testing.T) {
	s, ch := newTestSession(t, domain.RoleQA, &echoBackend{err: errors.New("backend down")}, nil)

	_, err := s.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, domain.SessionStatusError, s.Status())
	assert.Contains(t, kinds(drain(ch)), domain.NotificationSessionError)
}

func TestExecuteToolEmitsActionCompletedEvenOnFailedResult(t *testing.T) {
	exec := &blockingExecutor{result: domain.ToolResult{Success: false, Error: "compile error"}}
	s, ch := newTestSession(t, domain.RoleDev, &echoBackend{}, exec)
	drain(ch)

	result, err := s.ExecuteTool(context.Background(), domain.Action{Type: domain.ActionWriteCode})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, domain.SessionStatusIdle, s.Status())

	got := drain(ch)
	var completed *domain.Notification
	for i := range got {
		if got[i].Kind == domain.NotificationActionCompleted {
			completed = &got[i]
		}
	}
	require.NotNil(t, completed)
	assert.Equal(t, domain.ActionWriteCode, completed.Action.Type)
	assert.Equal(t, "compile error", completed.Result.Error)
}

func TestExecuteToolTransportErrorEmitsSessionError(t *testing.T) {
	exec := &blockingExecutor{err: errors.New("connection refused")}
	s, ch := newTestSession(t, domain.RoleDev, &echoBackend{}, exec)

	_, err := s.ExecuteTool(context.Background(), domain.Action{Type: domain.ActionWriteCode})
	require.Error(t, err)
	assert.Equal(t, domain.SessionStatusError, s.Status())
	got := kinds(drain(ch))
	assert.Contains(t, got, domain.NotificationSessionError)
	assert.NotContains(t, got, domain.NotificationActionCompleted)
}

func TestDecideNextActionOnlyWhenIdle(t *testing.T) {
	exec := &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
	s, _ := newTestSession(t, domain.RoleQA, &echoBackend{}, exec)
	empty := domain.WorkflowContext{WorkspacePath: "/ws"}

	require.NotNil(t, s.DecideNextAction(empty))

	done := make(chan error, 1)
	go func() {
		_, err := s.ExecuteTool(context.Background(), domain.Action{Type: domain.ActionWriteSpec})
		done <- err
	}()
	<-exec.started

	assert.Equal(t, domain.SessionStatusExecuting, s.Status())
	assert.Nil(t, s.DecideNextAction(empty))
	_, err := s.ExecuteTool(context.Background(), domain.Action{Type: domain.ActionWriteSpec})
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(exec.release)
	require.NoError(t, <-done)
	assert.NotNil(t, s.DecideNextAction(empty))
}

func TestAbortedSessionFailsFastUntilReset(t *testing.T) {
	s, _ := newTestSession(t, domain.RoleQA, &echoBackend{}, &blockingExecutor{})
	_, err := s.SendMessage(context.Background(), "first")
	require.NoError(t, err)

	s.Abort()
	_, err = s.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrSessionAborted)
	_, err = s.ExecuteTool(context.Background(), domain.Action{Type: domain.ActionRunTest})
	assert.ErrorIs(t, err, ErrSessionAborted)
	assert.Nil(t, s.DecideNextAction(domain.WorkflowContext{}))

	s.Reset()
	assert.False(t, s.Aborted())
	assert.Len(t, s.Messages(), 1)
	_, err = s.SendMessage(context.Background(), "again")
	assert.NoError(t, err)
}
