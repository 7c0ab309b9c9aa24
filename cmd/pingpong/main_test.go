package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingpong/internal/agent"
	"pingpong/internal/approval"
	"pingpong/internal/config"
	"pingpong/internal/domain"
	sqlitestore "pingpong/internal/store/sqlite"
)

// scriptedBackend answers each instruction kind with a canned reply.
type scriptedBackend struct {
	mu     sync.Mutex
	role   domain.Role
	prompt []string
}

func (b *scriptedBackend) SwitchActiveRole(_ context.Context, role domain.Role) error {
	b.mu.Lock()
	b.role = role
	b.mu.Unlock()
	return nil
}

func (b *scriptedBackend) SendInstruction(_ context.Context, text string, onStream domain.StreamFunc) (string, error) {
	b.mu.Lock()
	b.prompt = append(b.prompt, text)
	b.mu.Unlock()

	var reply string
	switch {
	case strings.HasPrefix(text, "Write a specification"), strings.HasPrefix(text, "The specification was not approved"):
		reply = "# Todo\n\nAdd and list todo items."
	case strings.HasPrefix(text, "Write automated tests"):
		reply = `{"summary":"tests","files":[{"path":"todo_test.txt","content":"expect add"}]}`
	case strings.HasPrefix(text, "Implement code"):
		reply = "```json\n" + `{"summary":"impl","files":[{"path":"todo.txt","content":"add"}]}` + "\n```"
	case strings.HasPrefix(text, "Review the implementation"):
		reply = "Matches the specification."
	default:
		reply = "ack: " + text
	}
	if onStream != nil {
		onStream(reply, true)
	}
	return reply, nil
}

func newTestApp(t *testing.T, body string) (*app, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	store, err := sqlitestore.Open(filepath.Join(dir, "pingpong.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	a := newApp(ctx, cfg, store, filepath.Join(dir, "workspace"), prometheus.NewRegistry(), log.New(io.Discard, "", 0))
	a.newBackend = func(domain.Role, string) (agent.Backend, error) {
		return &scriptedBackend{}, nil
	}
	srv := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		srv.Close()
		a.shutdown()
		cancel()
	})
	return a, srv
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func getState(t *testing.T, srv *httptest.Server) stateView {
	t.Helper()
	var v stateView
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/state", nil, &v))
	return v
}

const autoConfig = `
approval_policy = "auto"

[workflow]
tick_interval_ms = 2
completeness_every = 2
test_commands = ["echo '2 passed'"]
`

func TestSequentialRunCompletes(t *testing.T) {
	_, srv := newTestApp(t, autoConfig)

	var started map[string]any
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, srv.URL+"/start", map[string]string{"prompt": "todo app"}, &started))
	assert.Equal(t, "sequential", started["mode"])

	require.Eventually(t, func() bool {
		return getState(t, srv).MachineState == domain.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	v := getState(t, srv)
	assert.Equal(t, domain.SpecStatusLocked, v.Context.SpecStatus)
	assert.Equal(t, []string{"todo_test.txt"}, v.Context.ImplementationStatus.TestsCreated)
	assert.Equal(t, []string{"todo.txt"}, v.Context.ImplementationStatus.FilesCreated)
	require.NotEmpty(t, v.Context.TestResults)
	assert.True(t, v.Context.TestResults[len(v.Context.TestResults)-1].Passed)
	assert.FileExists(t, filepath.Join(v.Context.WorkspacePath, "todo.txt"))

	workflowID := started["workflow_id"].(string)
	require.Eventually(t, func() bool {
		var records []domain.WorkflowRecord
		doJSON(t, http.MethodGet, srv.URL+"/workflows", nil, &records)
		return len(records) == 1 && records[0].State == string(domain.StateCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	var decisions []domain.DecisionLog
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/workflows/"+workflowID+"/decisions", nil, &decisions))
	assert.NotEmpty(t, decisions)

	var changes []domain.FileChangeLog
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/workflows/"+workflowID+"/files", nil, &changes))
	assert.NotEmpty(t, changes)
}

func TestParallelRunCompletes(t *testing.T) {
	_, srv := newTestApp(t, autoConfig)

	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, srv.URL+"/start", map[string]string{"prompt": "todo app", "mode": "parallel"}, nil))

	require.Eventually(t, func() bool {
		return getState(t, srv).CoordinatorStatus == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	v := getState(t, srv)
	assert.Equal(t, domain.SpecStatusLocked, v.Context.SpecStatus)
	assert.False(t, v.Context.IsWorkflowActive)
	assert.Positive(t, v.Tick)

	require.Eventually(t, func() bool {
		var records []domain.WorkflowRecord
		doJSON(t, http.MethodGet, srv.URL+"/workflows", nil, &records)
		return len(records) == 1 && records[0].Mode == "parallel" && records[0].State == string(domain.StateCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "pingpong_ticks_total")
}

func TestManualApprovalsDriveSequentialRun(t *testing.T) {
	_, srv := newTestApp(t, `
approval_policy = "manual"

[workflow]
test_commands = ["echo '1 passed'"]
`)
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, srv.URL+"/start", map[string]string{"prompt": "todo app"}, nil))

	approve := func(kind string) {
		var pending []approval.Request
		require.Eventually(t, func() bool {
			pending = nil
			doJSON(t, http.MethodGet, srv.URL+"/approvals", nil, &pending)
			return len(pending) == 1 && pending[0].Kind == kind
		}, 5*time.Second, 10*time.Millisecond)
		require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/approvals/"+pending[0].ID, approval.Decision{Approved: true}, nil))
	}

	approve(approval.KindSpec)
	approve(approval.KindReview)

	require.Eventually(t, func() bool {
		return getState(t, srv).MachineState == domain.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, srv.URL+"/approvals/missing", approval.Decision{Approved: true}, nil))
}

func TestStartIsRejectedWhileRunning(t *testing.T) {
	_, srv := newTestApp(t, `approval_policy = "manual"`)

	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, srv.URL+"/start", map[string]string{"prompt": "todo app"}, nil))
	assert.Equal(t, http.StatusConflict, doJSON(t, http.MethodPost, srv.URL+"/start", map[string]string{"prompt": "again"}, nil))

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/abort", nil, nil))
	require.Eventually(t, func() bool {
		return getState(t, srv).MachineState == domain.StateIdle
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUserAbortEventDuringSpecApproval(t *testing.T) {
	_, srv := newTestApp(t, `approval_policy = "manual"`)
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, srv.URL+"/start", map[string]string{"prompt": "todo app"}, nil))

	require.Eventually(t, func() bool {
		var pending []approval.Request
		doJSON(t, http.MethodGet, srv.URL+"/approvals", nil, &pending)
		return len(pending) == 1 && pending[0].Kind == approval.KindSpec
	}, 5*time.Second, 10*time.Millisecond)

	var out map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/events", map[string]string{"event": "user_abort"}, &out))
	assert.Equal(t, string(domain.StateIdle), out["state"])

	v := getState(t, srv)
	assert.Equal(t, domain.StateIdle, v.MachineState)
	require.NotEmpty(t, v.History)
	assert.Equal(t, domain.StateSpecCreation, v.History[len(v.History)-1].From)
	assert.Equal(t, domain.EventUserAbort, v.History[len(v.History)-1].Event)
}

func TestRequestValidation(t *testing.T) {
	_, srv := newTestApp(t, autoConfig)

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/state", nil, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, srv.URL+"/start", map[string]string{"prompt": " "}, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, srv.URL+"/start", map[string]string{"prompt": "x", "mode": "round-robin"}, nil))

	var health map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/healthz", nil, &health))
	assert.Equal(t, "ok", health["status"])
}

func TestEventsAreCheckedAgainstTheTable(t *testing.T) {
	_, srv := newTestApp(t, autoConfig)
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, srv.URL+"/start", map[string]string{"prompt": "todo app"}, nil))
	require.Eventually(t, func() bool {
		return getState(t, srv).MachineState == domain.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusConflict, doJSON(t, http.MethodPost, srv.URL+"/events", map[string]string{"event": "tests_passed"}, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, srv.URL+"/pause", nil, nil))
}

func TestAgentMessage(t *testing.T) {
	a, srv := newTestApp(t, `approval_policy = "manual"`)
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, srv.URL+"/start", map[string]string{"prompt": "todo app", "mode": "parallel"}, nil))

	require.Eventually(t, func() bool {
		var pending []approval.Request
		doJSON(t, http.MethodGet, srv.URL+"/approvals", nil, &pending)
		return len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	var out map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/agents/dev/messages", map[string]string{"content": "status?"}, &out))
	assert.Equal(t, "ack: status?", out["reply"])
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, srv.URL+"/agents/ops/messages", map[string]string{"content": "hi"}, nil))

	r, err := a.current()
	require.NoError(t, err)
	assert.True(t, r.active())
}
