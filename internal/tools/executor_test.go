package tools

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingpong/internal/agent"
	"pingpong/internal/domain"
	"pingpong/internal/fs"
)

type scriptedBackend struct {
	active  domain.Role
	replies []string
	err     error
	sent    []string
}

func (b *scriptedBackend) SwitchActiveRole(_ context.Context, role domain.Role) error {
	b.active = role
	return nil
}

func (b *scriptedBackend) SendInstruction(_ context.Context, text string, onStream domain.StreamFunc) (string, error) {
	b.sent = append(b.sent, text)
	if b.err != nil {
		return "", b.err
	}
	reply := ""
	if len(b.replies) > 0 {
		reply, b.replies = b.replies[0], b.replies[1:]
	}
	if onStream != nil {
		onStream(reply, true)
	}
	return reply, nil
}

type staticSnapshot domain.WorkflowContext

func (s staticSnapshot) Snapshot() domain.WorkflowContext { return domain.WorkflowContext(s) }

type fakeRunner struct {
	result CommandResult
	err    error
}

func (r fakeRunner) RunTests(context.Context, string) (CommandResult, error) {
	return r.result, r.err
}

func newTestExecutor(t *testing.T, backend agent.Backend, runner TestRunner) (*Executor, string) {
	t.Helper()
	root := t.TempDir()
	gw, err := fs.NewGateway(root, "wf", nil, nil)
	require.NoError(t, err)
	snap := staticSnapshot{OriginalPrompt: "todo app", WorkspacePath: gw.Root(), SpecContent: "# Todo", SpecStatus: domain.SpecStatusFrozen}
	backends := map[domain.Role]agent.Backend{domain.RoleQA: backend, domain.RoleDev: backend}
	return NewExecutor(backends, gw, runner, snap, nil, log.New(io.Discard, "", 0)), gw.Root()
}

func TestWriteSpecAcceptsPlainMarkdown(t *testing.T) {
	backend := &scriptedBackend{replies: []string{"# Todo spec\n\nAdd and list items."}}
	exec, root := newTestExecutor(t, backend, nil)
	target := filepath.Join(root, "specs", "SPEC.md")

	result, err := exec.ExecuteTool(context.Background(), domain.RoleQA, domain.Action{Type: domain.ActionWriteSpec, TargetFile: target})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, []string{target}, result.AffectedFiles)
	assert.Equal(t, "# Todo spec\n\nAdd and list items.", result.Output)

	written, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, result.Output, string(written))
	assert.Equal(t, domain.RoleQA, backend.active)
}

func TestWriteSpecPrefersMatchingPlanFile(t *testing.T) {
	backend := &scriptedBackend{replies: []string{`{"summary":"spec","files":[{"path":"notes.md","content":"n"},{"path":"specs/SPEC.md","content":"the spec"}]}`}}
	exec, root := newTestExecutor(t, backend, nil)

	result, err := exec.ExecuteTool(context.Background(), domain.RoleQA, domain.Action{Type: domain.ActionWriteSpec, TargetFile: filepath.Join(root, "specs", "SPEC.md")})
	require.NoError(t, err)
	assert.Equal(t, "the spec", result.Output)
}

func TestWriteCodeWritesPlanFiles(t *testing.T) {
	backend := &scriptedBackend{replies: []string{"Here you go:\n```json\n{\"summary\":\"impl\",\"files\":[{\"path\":\"todo.go\",\"content\":\"package todo\"},{\"path\":\"../evil.go\",\"content\":\"x\"}]}\n```"}}
	exec, root := newTestExecutor(t, backend, nil)

	result, err := exec.ExecuteTool(context.Background(), domain.RoleDev, domain.Action{Type: domain.ActionWriteCode})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"todo.go"}, result.AffectedFiles)
	assert.Contains(t, result.Error, "../evil.go")
	assert.FileExists(t, filepath.Join(root, "todo.go"))
	require.NotEmpty(t, backend.sent)
	assert.Contains(t, backend.sent[0], "# Todo")
}

func TestWriteCodeReportsOverwrittenFiles(t *testing.T) {
	plan := `{"summary":"impl","files":[{"path":"todo.go","content":"package todo"}]}`
	second := `{"summary":"fix","files":[{"path":"todo.go","content":"package todo // v2"},{"path":"store.go","content":"package todo"}]}`
	exec, _ := newTestExecutor(t, &scriptedBackend{replies: []string{plan, second}}, nil)

	first, err := exec.ExecuteTool(context.Background(), domain.RoleDev, domain.Action{Type: domain.ActionWriteCode})
	require.NoError(t, err)
	require.True(t, first.Success, first.Error)
	assert.Empty(t, first.ModifiedFiles)

	again, err := exec.ExecuteTool(context.Background(), domain.RoleDev, domain.Action{Type: domain.ActionWriteCode})
	require.NoError(t, err)
	require.True(t, again.Success, again.Error)
	assert.Equal(t, []string{"todo.go", "store.go"}, again.AffectedFiles)
	assert.Equal(t, []string{"todo.go"}, again.ModifiedFiles)
}

func TestWriteTestUnparseableReplyIsAFailedResult(t *testing.T) {
	exec, _ := newTestExecutor(t, &scriptedBackend{replies: []string{"I cannot do that"}}, nil)

	result, err := exec.ExecuteTool(context.Background(), domain.RoleQA, domain.Action{Type: domain.ActionWriteTest})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "parse model output")
}

func TestBackendFailureIsReturnedAsError(t *testing.T) {
	boom := errors.New("connection reset")
	exec, _ := newTestExecutor(t, &scriptedBackend{err: boom}, nil)

	_, err := exec.ExecuteTool(context.Background(), domain.RoleDev, domain.Action{Type: domain.ActionWriteCode})
	assert.ErrorIs(t, err, boom)
}

func TestRunTestMapsExitCode(t *testing.T) {
	exec, _ := newTestExecutor(t, &scriptedBackend{}, fakeRunner{result: CommandResult{Command: "go test ./...", ExitCode: 1, Output: "2 failed"}})

	result, err := exec.ExecuteTool(context.Background(), domain.RoleQA, domain.Action{Type: domain.ActionRunTest})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "2 failed", result.Output)

	exec, _ = newTestExecutor(t, &scriptedBackend{}, fakeRunner{result: CommandResult{Output: "3 passed"}})
	result, err = exec.ExecuteTool(context.Background(), domain.RoleQA, domain.Action{Type: domain.ActionRunTest})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestRunTestInstructsRoleBeforeRunning(t *testing.T) {
	backend := &scriptedBackend{replies: []string{"running them now"}}
	exec, _ := newTestExecutor(t, backend, fakeRunner{result: CommandResult{Output: "3 passed"}})

	result, err := exec.ExecuteTool(context.Background(), domain.RoleQA, domain.Action{Type: domain.ActionRunTest})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "3 passed", result.Output)
	assert.Equal(t, domain.RoleQA, backend.active)
	require.Len(t, backend.sent, 1)
	assert.Contains(t, backend.sent[0], "Run the test suite")
}

func TestRunTestBackendFailureSkipsRunner(t *testing.T) {
	boom := errors.New("connection reset")
	exec, _ := newTestExecutor(t, &scriptedBackend{err: boom}, fakeRunner{err: errors.New("runner must not be reached")})

	_, err := exec.ExecuteTool(context.Background(), domain.RoleQA, domain.Action{Type: domain.ActionRunTest})
	assert.ErrorIs(t, err, boom)
}

func TestRunTestWithoutCommandFails(t *testing.T) {
	exec, _ := newTestExecutor(t, &scriptedBackend{}, fakeRunner{err: ErrNoTestCommand})
	_, err := exec.ExecuteTool(context.Background(), domain.RoleQA, domain.Action{Type: domain.ActionRunTest})
	assert.ErrorIs(t, err, ErrNoTestCommand)
}

func TestParsePlanFallbackToJSONBody(t *testing.T) {
	plan, err := parsePlan([]byte("prefix text\n{\"summary\":\"ok\",\"files\":[]}\ntrailing"))
	require.NoError(t, err)
	assert.Equal(t, "ok", plan.Summary)
	assert.Empty(t, plan.Files)

	_, err = parsePlan([]byte("no json here"))
	assert.Error(t, err)
}

func TestValidateRelativePath(t *testing.T) {
	for _, ok := range []string{"a.go", "./pkg/a.go", "pkg\\b.go"} {
		assert.NoError(t, validateRelativePath(ok), ok)
	}
	for _, bad := range []string{"", "/etc/passwd", "..", "../x", "a/../../x", "."} {
		assert.Error(t, validateRelativePath(bad), bad)
	}
}
