package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pingpong/internal/agent"
	"pingpong/internal/approval"
	"pingpong/internal/config"
	"pingpong/internal/domain"
	"pingpong/internal/fs"
	"pingpong/internal/messaging/inproc"
	"pingpong/internal/metrics"
	"pingpong/internal/orchestrator"
	"pingpong/internal/policy"
	sqlitestore "pingpong/internal/store/sqlite"
	"pingpong/internal/tools"
	"pingpong/internal/workctx"
	"pingpong/internal/workflow"
)

var errRunActive = errors.New("a workflow is already running")

// app serves one workflow run at a time. Starting a new run replaces a
// finished one.
type app struct {
	ctx           context.Context
	cfg           config.Config
	store         *sqlitestore.Store
	workspaceRoot string
	gatherer      prometheus.Gatherer
	metrics       *metrics.Recorder
	logger        *log.Logger

	newBackend func(role domain.Role, workdir string) (agent.Backend, error)

	mu  sync.Mutex
	cur *run
}

type run struct {
	id       string
	mode     string
	wctx     *workctx.Manager
	machine  *workflow.Machine
	coord    *orchestrator.Coordinator
	sessions []*agent.Session
	gate     *approval.Gate
	bus      *inproc.Bus
	cancel   context.CancelFunc
	starting atomic.Bool
}

func newApp(ctx context.Context, cfg config.Config, store *sqlitestore.Store, workspaceRoot string, reg *prometheus.Registry, logger *log.Logger) *app {
	if logger == nil {
		logger = log.Default()
	}
	return &app{
		ctx:           ctx,
		cfg:           cfg,
		store:         store,
		workspaceRoot: workspaceRoot,
		gatherer:      reg,
		metrics:       metrics.NewRecorder(reg),
		logger:        logger,
	}
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /config", a.handleConfig)
	mux.HandleFunc("GET /state", a.handleState)
	mux.HandleFunc("POST /start", a.handleStart)
	mux.HandleFunc("POST /events", a.handleEvent)
	mux.HandleFunc("POST /spec/freeze", a.handleSpec)
	mux.HandleFunc("POST /spec/lock", a.handleSpec)
	mux.HandleFunc("POST /pause", a.handlePause)
	mux.HandleFunc("POST /resume", a.handleResume)
	mux.HandleFunc("POST /complete", a.handleComplete)
	mux.HandleFunc("POST /abort", a.handleAbort)
	mux.HandleFunc("POST /reset", a.handleReset)
	mux.HandleFunc("POST /agents/{role}/messages", a.handleAgentMessage)
	mux.HandleFunc("GET /approvals", a.handleApprovals)
	mux.HandleFunc("POST /approvals/{id}", a.handleResolveApproval)
	mux.HandleFunc("GET /workflows", a.handleWorkflows)
	mux.HandleFunc("GET /workflows/{id}/{section}", a.handleWorkflowSection)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// startRun wires a complete workflow for prompt and starts it in the
// background.
func (a *app) startRun(prompt, mode string) (*run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil && a.cur.active() {
		return nil, errRunActive
	}
	mode = firstNonEmpty(mode, a.cfg.Workflow.Mode, config.ModeSequential)
	if mode != config.ModeSequential && mode != config.ModeParallel {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	if a.newBackend == nil {
		return nil, fmt.Errorf("no backend configured")
	}
	if a.cur != nil {
		a.cur.stop()
	}

	r, err := a.buildRun(prompt, mode)
	if err != nil {
		return nil, err
	}
	a.cur = r

	if r.machine != nil {
		r.starting.Store(true)
		go func() {
			defer r.starting.Store(false)
			if err := r.machine.Start(context.WithoutCancel(a.ctx)); err != nil {
				a.logger.Printf("workflow %s stopped: %v", r.id, err)
			}
		}()
		return r, nil
	}
	if err := r.coord.StartParallelMode(a.ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (a *app) buildRun(prompt, mode string) (*run, error) {
	id := uuid.NewString()
	wf := a.cfg.Workflow
	workspace, err := filepath.Abs(filepath.Join(a.workspaceRoot, id))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if err := a.store.CreateWorkflow(a.ctx, domain.WorkflowRecord{
		ID:            id,
		Mode:          mode,
		Prompt:        prompt,
		WorkspacePath: workspace,
		MaxIterations: wf.MaxIterations,
	}); err != nil {
		return nil, err
	}

	bus := inproc.New(1024)
	runCtx, cancel := context.WithCancel(a.ctx)
	recorder := sqlitestore.NewRecorder(a.store, id, a.logger)
	go recorder.Run(runCtx, bus.Subscribe("recorder"))
	go a.metrics.Run(runCtx, bus.Subscribe("metrics"))

	wctx := workctx.New(prompt, workspace, wf.MaxIterations, bus, a.logger)
	files, err := fs.NewGateway(workspace, id, policy.NewFileGuard(wctx), a.store)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create file gateway: %w", err)
	}
	runner := tools.NewCommandRunner(workspace, wf.TestCommands, durationMS(wf.CommandTimeoutMS, 0), a.logger)

	backends := make(map[domain.Role]agent.Backend, len(domain.Roles))
	for _, role := range domain.Roles {
		b, err := a.newBackend(role, workspace)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create %s backend: %w", role, err)
		}
		backends[role] = b
	}
	executor := tools.NewExecutor(backends, files, runner, wctx, bus, a.logger)
	engine := policy.New(wf.SpecPath)

	gate, err := approval.NewGate(a.cfg.ApprovalPolicy, a.logger)
	if err != nil {
		cancel()
		return nil, err
	}
	notifier := approval.NewNotifier(bus, a.logger)

	r := &run{id: id, mode: mode, wctx: wctx, gate: gate, bus: bus, cancel: cancel}
	for _, role := range domain.Roles {
		r.sessions = append(r.sessions, agent.NewSession(role, backends[role], executor, engine, bus, a.logger))
	}

	switch mode {
	case config.ModeParallel:
		sessions := make([]orchestrator.Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			sessions = append(sessions, s)
		}
		r.coord = orchestrator.New(wctx, sessions, gate, notifier, a.store, a.metrics, orchestrator.Config{
			WorkflowID:        id,
			TickInterval:      durationMS(wf.TickIntervalMS, 0),
			CompletenessEvery: wf.CompletenessEvery,
		}, a.logger)
	default:
		sessions := make([]workflow.Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			sessions = append(sessions, s)
		}
		r.machine = workflow.New(wctx, sessions, gate, notifier, bus, workflow.Config{
			SpecPath:         wf.SpecPath,
			MaxSpecRevisions: wf.MaxSpecRevisions,
		}, a.logger)
	}
	a.logger.Printf("workflow created id=%s mode=%s workspace=%s", id, mode, workspace)
	return r, nil
}

func (a *app) current() (*run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return nil, fmt.Errorf("no workflow has been started")
	}
	return a.cur, nil
}

func (a *app) shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil {
		a.cur.stop()
	}
}

func (r *run) active() bool {
	if r.coord != nil {
		return r.coord.Running()
	}
	st := r.machine.State()
	if st.Terminal() {
		return false
	}
	return st != domain.StateIdle || r.starting.Load()
}

func (r *run) stop() {
	if r.coord != nil {
		r.coord.Abort()
	} else {
		r.machine.Abort()
	}
	r.cancel()
}

type sessionView struct {
	ID       string               `json:"id"`
	Role     domain.Role          `json:"role"`
	Status   domain.SessionStatus `json:"status"`
	Aborted  bool                 `json:"aborted"`
	Messages int                  `json:"messages"`
}

type stateView struct {
	WorkflowID        string                 `json:"workflow_id"`
	Mode              string                 `json:"mode"`
	Context           domain.WorkflowContext `json:"context"`
	MachineState      domain.State           `json:"machine_state,omitempty"`
	History           []domain.Transition    `json:"history,omitempty"`
	LastError         string                 `json:"last_error,omitempty"`
	CoordinatorStatus orchestrator.Status    `json:"coordinator_status,omitempty"`
	Tick              int                    `json:"tick,omitempty"`
	Sessions          []sessionView          `json:"sessions"`
	Approvals         []approval.Request     `json:"approvals"`
}

func (r *run) view() stateView {
	v := stateView{
		WorkflowID: r.id,
		Mode:       r.mode,
		Context:    r.wctx.Snapshot(),
		Approvals:  r.gate.Pending(),
	}
	if r.machine != nil {
		v.MachineState = r.machine.State()
		v.History = r.machine.History()
		v.LastError = r.machine.LastError()
	} else {
		v.CoordinatorStatus = r.coord.Status()
		v.Tick = r.coord.Tick()
	}
	for _, s := range r.sessions {
		v.Sessions = append(v.Sessions, sessionView{
			ID:       s.ID(),
			Role:     s.Role(),
			Status:   s.Status(),
			Aborted:  s.Aborted(),
			Messages: len(s.Messages()),
		})
	}
	return v
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleState(w http.ResponseWriter, _ *http.Request) {
	r, err := a.current()
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, r.view())
}

func (a *app) handleStart(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
		Mode   string `json:"mode"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("prompt is required"))
		return
	}
	r, err := a.startRun(body.Prompt, body.Mode)
	if errors.Is(err, errRunActive) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "workflow_id": r.id, "mode": r.mode})
}

func (a *app) handleEvent(w http.ResponseWriter, req *http.Request) {
	r, err := a.current()
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if r.machine == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("events are only accepted in sequential mode"))
		return
	}
	var body struct {
		Event string `json:"event"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	event := domain.Event(strings.ToUpper(strings.TrimSpace(body.Event)))
	state := r.machine.State()
	if !workflow.CanHandle(state, event) {
		writeError(w, http.StatusConflict, fmt.Errorf("%w: %s in %s", workflow.ErrInvalidTransition, event, state))
		return
	}
	if event == domain.EventUserAbort || event == domain.EventError {
		// These preempt the run in progress and finish without entry actions.
		if err := r.machine.HandleEvent(req.Context(), event); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "applied", "event": event, "state": r.machine.State()})
		return
	}
	a.dispatch(r, event)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "event": event, "state": state})
}

// dispatch runs event outside the request; processing continues through the
// entry actions it triggers.
func (a *app) dispatch(r *run, event domain.Event) {
	go func() {
		if err := r.machine.HandleEvent(context.WithoutCancel(a.ctx), event); err != nil {
			a.logger.Printf("workflow %s event=%s: %v", r.id, event, err)
		}
	}()
}

func (a *app) handleSpec(w http.ResponseWriter, req *http.Request) {
	r, err := a.current()
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	lock := strings.HasSuffix(req.URL.Path, "/lock")
	switch {
	case r.coord != nil && lock:
		r.coord.LockSpec()
	case r.coord != nil:
		r.coord.FreezeSpec()
	case lock:
		r.wctx.LockSpec()
	default:
		r.wctx.FreezeSpec()
	}
	writeJSON(w, http.StatusOK, map[string]any{"spec_status": r.wctx.Snapshot().SpecStatus})
}

func (a *app) handlePause(w http.ResponseWriter, req *http.Request) {
	r, err := a.current()
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if r.coord == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("pause is only available in parallel mode"))
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(req.Body).Decode(&body)
	if err := r.coord.PauseWorkflow(firstNonEmpty(body.Reason, "paused by user")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": r.coord.Status()})
}

func (a *app) handleResume(w http.ResponseWriter, _ *http.Request) {
	r, err := a.current()
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if r.coord != nil {
		if err := r.coord.ResumeWorkflow(); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": r.coord.Status()})
		return
	}
	state := r.machine.State()
	if !workflow.CanHandle(state, domain.EventUserContinue) {
		writeError(w, http.StatusConflict, fmt.Errorf("%w: resume in %s", workflow.ErrInvalidTransition, state))
		return
	}
	a.dispatch(r, domain.EventUserContinue)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "state": state})
}

func (a *app) handleComplete(w http.ResponseWriter, _ *http.Request) {
	r, err := a.current()
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if r.coord == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("complete is only available in parallel mode"))
		return
	}
	r.coord.CompleteWorkflow()
	writeJSON(w, http.StatusOK, map[string]any{"status": r.coord.Status()})
}

func (a *app) handleAbort(w http.ResponseWriter, _ *http.Request) {
	r, err := a.current()
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if r.coord != nil {
		r.coord.Abort()
	} else {
		r.machine.Abort()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "aborted"})
}

func (a *app) handleReset(w http.ResponseWriter, _ *http.Request) {
	r, err := a.current()
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if r.coord != nil {
		r.coord.Reset()
	} else {
		r.machine.Reset()
	}
	writeJSON(w, http.StatusOK, r.view())
}

func (a *app) handleAgentMessage(w http.ResponseWriter, req *http.Request) {
	r, err := a.current()
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	role, err := domain.ParseRole(req.PathValue("role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
		return
	}

	var reply string
	if r.coord != nil {
		reply, err = r.coord.SendMessageToAgent(req.Context(), role, body.Content)
	} else {
		reply, err = r.machine.SendMessageToAgent(req.Context(), role, body.Content)
	}
	if errors.Is(err, agent.ErrSessionBusy) || errors.Is(err, agent.ErrSessionAborted) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "reply": reply})
}

func (a *app) handleApprovals(w http.ResponseWriter, _ *http.Request) {
	r, err := a.current()
	if err != nil {
		writeJSON(w, http.StatusOK, []approval.Request{})
		return
	}
	writeJSON(w, http.StatusOK, r.gate.Pending())
}

func (a *app) handleResolveApproval(w http.ResponseWriter, req *http.Request) {
	r, err := a.current()
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var d approval.Decision
	if err := json.NewDecoder(req.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if err := r.gate.Resolve(req.PathValue("id"), d); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resolved", "approved": d.Approved})
}

func (a *app) handleWorkflows(w http.ResponseWriter, req *http.Request) {
	items, err := a.store.ListWorkflows(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *app) handleWorkflowSection(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var (
		items any
		err   error
	)
	switch section := req.PathValue("section"); section {
	case "decisions":
		items, err = a.store.ListWorkflowDecisions(req.Context(), id, queryInt(req, "limit", 300))
	case "tests":
		items, err = a.store.ListTestResults(req.Context(), id, queryInt(req, "limit", 100))
	case "files":
		items, err = a.store.ListFileChanges(req.Context(), id, queryInt(req, "limit", 300))
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown section: %s", section))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
