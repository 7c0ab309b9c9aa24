// Package workctx owns the shared workflow state. A Manager is the only
// writer; everybody else reads deep-copied snapshots, either by calling
// Snapshot or from the notifications published after every mutation.
package workctx

import (
	"log"
	"strings"
	"sync"
	"time"

	"pingpong/internal/domain"
)

const DefaultMaxIterations = 5

type Publisher interface {
	Publish(n domain.Notification) error
}

type state struct {
	originalPrompt string
	workspacePath  string
	specContent    string
	specPath       string
	specStatus     domain.SpecStatus
	testResults    []domain.TestResult
	filesCreated   map[string]struct{}
	filesModified  map[string]struct{}
	testsCreated   map[string]struct{}
	lastActivity   domain.Role
	lastActivityAt time.Time
	iteration      int
	maxIterations  int
	active         bool
}

func newState(prompt, workspace string, maxIterations int) *state {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &state{
		originalPrompt: prompt,
		workspacePath:  workspace,
		specStatus:     domain.SpecStatusDraft,
		testResults:    make([]domain.TestResult, 0),
		filesCreated:   make(map[string]struct{}),
		filesModified:  make(map[string]struct{}),
		testsCreated:   make(map[string]struct{}),
		maxIterations:  maxIterations,
	}
}

func (s *state) snapshot() domain.WorkflowContext {
	return domain.WorkflowContext{
		OriginalPrompt: s.originalPrompt,
		WorkspacePath:  s.workspacePath,
		SpecContent:    s.specContent,
		SpecPath:       s.specPath,
		SpecStatus:     s.specStatus,
		TestResults:    append(make([]domain.TestResult, 0, len(s.testResults)), s.testResults...),
		ImplementationStatus: domain.ImplementationStatus{
			FilesCreated:          domain.SortedSet(s.filesCreated),
			FilesModified:         domain.SortedSet(s.filesModified),
			TestsCreated:          domain.SortedSet(s.testsCreated),
			LastActivity:          s.lastActivity,
			LastActivityTimestamp: s.lastActivityAt,
		},
		Iteration:        s.iteration,
		MaxIterations:    s.maxIterations,
		IsWorkflowActive: s.active,
	}
}

// CreateWorkflowContext returns the snapshot a freshly created Manager would
// report for the same arguments.
func CreateWorkflowContext(prompt, workspace string, maxIterations int) domain.WorkflowContext {
	return newState(prompt, workspace, maxIterations).snapshot()
}

type Manager struct {
	mu     sync.Mutex
	st     *state
	pub    Publisher
	logger *log.Logger
	now    func() time.Time
}

func New(prompt, workspace string, maxIterations int, pub Publisher, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		st:     newState(prompt, workspace, maxIterations),
		pub:    pub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) Snapshot() domain.WorkflowContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.snapshot()
}

// UpdateSpec replaces the spec text. An empty path keeps the previous one.
// Content still changes after the spec is locked; locking is a status marker,
// not write protection.
func (m *Manager) UpdateSpec(content, path string) {
	m.mutate(func(s *state) []domain.Notification {
		s.specContent = content
		if strings.TrimSpace(path) != "" {
			s.specPath = path
		}
		return []domain.Notification{{Kind: domain.NotificationSpecUpdated}}
	})
}

// FreezeSpec moves a draft spec to frozen. Frozen and locked specs are left
// untouched so the status never moves backward.
func (m *Manager) FreezeSpec() {
	m.mutate(func(s *state) []domain.Notification {
		if s.specStatus.Before(domain.SpecStatusFrozen) {
			s.specStatus = domain.SpecStatusFrozen
		}
		return []domain.Notification{{Kind: domain.NotificationSpecUpdated}}
	})
}

// LockSpec marks the spec locked. Locking a draft spec that was never frozen
// is accepted on purpose: callers are trusted to freeze first and nothing
// here verifies it.
func (m *Manager) LockSpec() {
	m.mutate(func(s *state) []domain.Notification {
		if s.specStatus != domain.SpecStatusFrozen && s.specStatus != domain.SpecStatusLocked {
			m.logger.Printf("workctx lock spec without freeze status=%s", s.specStatus)
		}
		s.specStatus = domain.SpecStatusLocked
		return []domain.Notification{{Kind: domain.NotificationSpecUpdated}}
	})
}

func (m *Manager) AddTestResult(result domain.TestResult) {
	if result.Timestamp.IsZero() {
		result.Timestamp = m.now()
	}
	m.mutate(func(s *state) []domain.Notification {
		s.testResults = append(s.testResults, result)
		m.touch(s, result.TriggeredBy)
		r := result
		return []domain.Notification{{Kind: domain.NotificationTestCompleted, TestResult: &r, Role: result.TriggeredBy}}
	})
}

// AddCreatedFile tracks an implementation file. Known paths are a no-op
// apart from the notification.
func (m *Manager) AddCreatedFile(path string, by domain.Role) {
	m.mutate(func(s *state) []domain.Notification {
		addPath(s.filesCreated, path)
		m.touch(s, by)
		return nil
	})
}

func (m *Manager) AddModifiedFile(path string, by domain.Role) {
	m.mutate(func(s *state) []domain.Notification {
		addPath(s.filesModified, path)
		m.touch(s, by)
		return nil
	})
}

func (m *Manager) AddTestFile(path string, by domain.Role) {
	m.mutate(func(s *state) []domain.Notification {
		addPath(s.testsCreated, path)
		m.touch(s, by)
		return nil
	})
}

// IncrementIteration advances the iteration counter and returns its new value.
// The counter stops at maxIterations. The call that reaches it deactivates the
// workflow and publishes the only paused notification for that run.
func (m *Manager) IncrementIteration() int {
	var iteration int
	m.mutate(func(s *state) []domain.Notification {
		if s.iteration >= s.maxIterations {
			iteration = s.iteration
			s.active = false
			return nil
		}
		s.iteration++
		iteration = s.iteration
		if s.iteration == s.maxIterations {
			s.active = false
			return []domain.Notification{{Kind: domain.NotificationPaused, Message: "maximum iterations reached"}}
		}
		return nil
	})
	return iteration
}

func (m *Manager) ResetIteration() {
	m.mutate(func(s *state) []domain.Notification {
		s.iteration = 0
		return nil
	})
}

func (m *Manager) StartWorkflow() {
	m.mutate(func(s *state) []domain.Notification {
		s.active = true
		return []domain.Notification{{Kind: domain.NotificationStatusChanged, Message: "started"}}
	})
}

func (m *Manager) PauseWorkflow(reason string) {
	m.mutate(func(s *state) []domain.Notification {
		s.active = false
		return []domain.Notification{{Kind: domain.NotificationPaused, Message: reason}}
	})
}

func (m *Manager) ResumeWorkflow() {
	m.mutate(func(s *state) []domain.Notification {
		s.active = true
		return []domain.Notification{{Kind: domain.NotificationResumed}}
	})
}

func (m *Manager) CompleteWorkflow() {
	m.mutate(func(s *state) []domain.Notification {
		s.active = false
		return []domain.Notification{{Kind: domain.NotificationCompleted}}
	})
}

// Reset restores the state created by New with the same prompt, workspace
// and iteration limit.
func (m *Manager) Reset() {
	m.mutate(func(s *state) []domain.Notification {
		*s = *newState(s.originalPrompt, s.workspacePath, s.maxIterations)
		return nil
	})
}

// mutate applies fn under the lock and publishes fn's notifications followed
// by a state_changed notification, all carrying the post-mutation snapshot.
// Publishing happens under the lock so observers see mutations in order.
func (m *Manager) mutate(fn func(s *state) []domain.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := fn(m.st)
	snap := m.st.snapshot()

	now := m.now()
	out = append(out, domain.Notification{Kind: domain.NotificationStateChanged})
	for _, n := range out {
		n.Snapshot = snap.Clone()
		n.At = now
		m.publish(n)
	}
}

func (m *Manager) publish(n domain.Notification) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(n); err != nil {
		m.logger.Printf("workctx publish kind=%s: %v", n.Kind, err)
	}
}

func (m *Manager) touch(s *state, by domain.Role) {
	if by == "" {
		return
	}
	s.lastActivity = by
	s.lastActivityAt = m.now()
}

func addPath(set map[string]struct{}, path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	set[path] = struct{}{}
}
