package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Role string

const (
	RoleQA  Role = "qa"
	RoleDev Role = "dev"
)

// Roles lists both workflow roles in dispatch order.
var Roles = []Role{RoleQA, RoleDev}

func (r Role) Valid() bool {
	return r == RoleQA || r == RoleDev
}

func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return role, nil
}

type SpecStatus string

const (
	SpecStatusDraft  SpecStatus = "draft"
	SpecStatusFrozen SpecStatus = "frozen"
	SpecStatusLocked SpecStatus = "locked"
)

// rank orders spec statuses so callers can reject backward moves.
func (s SpecStatus) rank() int {
	switch s {
	case SpecStatusFrozen:
		return 1
	case SpecStatusLocked:
		return 2
	default:
		return 0
	}
}

// Before reports whether s precedes other in the draft, frozen, locked ratchet.
func (s SpecStatus) Before(other SpecStatus) bool {
	return s.rank() < other.rank()
}

type SessionStatus string

const (
	SessionStatusIdle      SessionStatus = "idle"
	SessionStatusThinking  SessionStatus = "thinking"
	SessionStatusExecuting SessionStatus = "executing"
	SessionStatusWaiting   SessionStatus = "waiting"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
)

type ActionType string

const (
	ActionWriteSpec   ActionType = "write_spec"
	ActionWriteTest   ActionType = "write_test"
	ActionRunTest     ActionType = "run_test"
	ActionWriteCode   ActionType = "write_code"
	ActionReviewCode  ActionType = "review_code"
	ActionRequestInfo ActionType = "request_info"
	ActionComplete    ActionType = "complete"
)

type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type NotificationKind string

const (
	NotificationStateChanged    NotificationKind = "state_changed"
	NotificationSpecUpdated     NotificationKind = "spec_updated"
	NotificationTestCompleted   NotificationKind = "test_completed"
	NotificationStatusChanged   NotificationKind = "status_changed"
	NotificationPaused          NotificationKind = "paused"
	NotificationResumed         NotificationKind = "resumed"
	NotificationCompleted       NotificationKind = "completed"
	NotificationActionCompleted NotificationKind = "action_completed"
	NotificationSessionError    NotificationKind = "session_error"
	NotificationWorkflowError   NotificationKind = "workflow_error"
	NotificationStreaming       NotificationKind = "streaming"
	NotificationTransition      NotificationKind = "transition"
)

type TestResult struct {
	Passed      bool      `json:"passed"`
	Total       int       `json:"total"`
	PassedCount int       `json:"passed_count"`
	FailedCount int       `json:"failed_count"`
	Output      string    `json:"output"`
	Timestamp   time.Time `json:"timestamp"`
	TriggeredBy Role      `json:"triggered_by"`
}

// ImplementationStatus tracks files touched by the roles. The path lists are
// sorted sets in snapshots.
type ImplementationStatus struct {
	FilesCreated          []string  `json:"files_created"`
	FilesModified         []string  `json:"files_modified"`
	TestsCreated          []string  `json:"tests_created"`
	LastActivity          Role      `json:"last_activity,omitempty"`
	LastActivityTimestamp time.Time `json:"last_activity_timestamp"`
}

// WorkflowContext is the read-only snapshot form of the shared workflow state.
// An empty SpecContent means no spec has been written yet.
type WorkflowContext struct {
	OriginalPrompt       string               `json:"original_prompt"`
	WorkspacePath        string               `json:"workspace_path"`
	SpecContent          string               `json:"spec_content,omitempty"`
	SpecPath             string               `json:"spec_path,omitempty"`
	SpecStatus           SpecStatus           `json:"spec_status"`
	TestResults          []TestResult         `json:"test_results"`
	ImplementationStatus ImplementationStatus `json:"implementation_status"`
	Iteration            int                  `json:"iteration"`
	MaxIterations        int                  `json:"max_iterations"`
	IsWorkflowActive     bool                 `json:"is_workflow_active"`
}

func (c WorkflowContext) HasSpec() bool {
	return strings.TrimSpace(c.SpecContent) != ""
}

func (c WorkflowContext) LatestTestResult() (TestResult, bool) {
	if len(c.TestResults) == 0 {
		return TestResult{}, false
	}
	return c.TestResults[len(c.TestResults)-1], true
}

// Clone returns a deep copy so the receiver's slices are never shared.
func (c WorkflowContext) Clone() WorkflowContext {
	out := c
	out.TestResults = append(make([]TestResult, 0, len(c.TestResults)), c.TestResults...)
	out.ImplementationStatus.FilesCreated = cloneStrings(c.ImplementationStatus.FilesCreated)
	out.ImplementationStatus.FilesModified = cloneStrings(c.ImplementationStatus.FilesModified)
	out.ImplementationStatus.TestsCreated = cloneStrings(c.ImplementationStatus.TestsCreated)
	return out
}

type Message struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

type Action struct {
	Type        ActionType `json:"type"`
	Description string     `json:"description"`
	TargetFile  string     `json:"target_file,omitempty"`
	Content     string     `json:"content,omitempty"`
	Command     string     `json:"command,omitempty"`
}

type ToolResult struct {
	Success       bool     `json:"success"`
	Output        string   `json:"output"`
	Error         string   `json:"error,omitempty"`
	AffectedFiles []string `json:"affected_files,omitempty"`
	// ModifiedFiles are the affected files that already existed and were
	// overwritten.
	ModifiedFiles []string `json:"modified_files,omitempty"`
}

// Notification is broadcast after every shared-state mutation and session
// lifecycle change. Snapshot is always a copy.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	Snapshot   WorkflowContext  `json:"snapshot"`
	Role       Role             `json:"role,omitempty"`
	Status     SessionStatus    `json:"status,omitempty"`
	Action     *Action          `json:"action,omitempty"`
	Result     *ToolResult      `json:"result,omitempty"`
	TestResult *TestResult      `json:"test_result,omitempty"`
	From       string           `json:"from,omitempty"`
	To         string           `json:"to,omitempty"`
	Message    string           `json:"message,omitempty"`
	Complete   bool             `json:"complete,omitempty"`
	At         time.Time        `json:"at"`
}

type WorkflowRecord struct {
	ID            string    `json:"id"`
	Mode          string    `json:"mode"`
	Prompt        string    `json:"prompt"`
	WorkspacePath string    `json:"workspace_path"`
	MaxIterations int       `json:"max_iterations"`
	State         string    `json:"state"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type DecisionLog struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

type FileOperation string

const (
	FileOperationRead   FileOperation = "read"
	FileOperationWrite  FileOperation = "write"
	FileOperationCreate FileOperation = "create"
)

type FileChangeLog struct {
	ID         int64         `json:"id"`
	WorkflowID string        `json:"workflow_id"`
	Role       Role          `json:"role"`
	Operation  FileOperation `json:"operation"`
	Path       string        `json:"path"`
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason"`
	CreatedAt  time.Time     `json:"created_at"`
}

type StoredTestResult struct {
	ID         int64  `json:"id"`
	WorkflowID string `json:"workflow_id"`
	TestResult
}

// SortedSet returns the keys of set in lexical order, never nil.
func SortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cloneStrings(in []string) []string {
	return append(make([]string, 0, len(in)), in...)
}

// StreamFunc receives intermediate backend output. complete is true for the
// final call of one instruction.
type StreamFunc func(content string, complete bool)
