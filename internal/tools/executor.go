// Package tools executes agent actions: it turns an action into an
// instruction for the role's backend, writes the files the model returns
// through the workspace gateway and runs test commands.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"pingpong/internal/agent"
	"pingpong/internal/domain"
)

type Files interface {
	Rel(path string) (string, error)
	WriteFile(ctx context.Context, role domain.Role, relPath string, content []byte) (domain.FileOperation, error)
}

type TestRunner interface {
	RunTests(ctx context.Context, preferred string) (CommandResult, error)
}

type Snapshotter interface {
	Snapshot() domain.WorkflowContext
}

type Publisher interface {
	Publish(n domain.Notification) error
}

// filePlan is the JSON shape models return for file producing actions.
type filePlan struct {
	Summary string     `json:"summary"`
	Files   []planFile `json:"files"`
}

type planFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type Executor struct {
	backends map[domain.Role]agent.Backend
	files    Files
	runner   TestRunner
	ctx      Snapshotter
	pub      Publisher
	logger   *log.Logger
}

// NewExecutor wires one backend per role. pub receives streaming output and
// may be nil.
func NewExecutor(backends map[domain.Role]agent.Backend, files Files, runner TestRunner, ctx Snapshotter, pub Publisher, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		backends: backends,
		files:    files,
		runner:   runner,
		ctx:      ctx,
		pub:      pub,
		logger:   logger,
	}
}

// ExecuteTool runs one action for role. Failures of the action itself are
// reported in the result; only backend, runner and infrastructure faults are
// returned as errors.
func (e *Executor) ExecuteTool(ctx context.Context, role domain.Role, action domain.Action) (domain.ToolResult, error) {
	snap := e.ctx.Snapshot()
	switch action.Type {
	case domain.ActionWriteSpec:
		return e.writeSpec(ctx, role, action, snap)
	case domain.ActionWriteTest:
		return e.writeFiles(ctx, role, TestInstruction(snap))
	case domain.ActionWriteCode:
		return e.writeFiles(ctx, role, ImplementInstruction(snap))
	case domain.ActionRunTest:
		return e.runTests(ctx, role, action, snap)
	case domain.ActionReviewCode:
		reply, err := e.send(ctx, role, ReviewInstruction(snap))
		if err != nil {
			return domain.ToolResult{}, err
		}
		return domain.ToolResult{Success: true, Output: reply}, nil
	case domain.ActionRequestInfo:
		reply, err := e.send(ctx, role, action.Description)
		if err != nil {
			return domain.ToolResult{}, err
		}
		return domain.ToolResult{Success: true, Output: reply}, nil
	case domain.ActionComplete:
		return domain.ToolResult{Success: true, Output: "complete"}, nil
	default:
		return domain.ToolResult{Success: false, Error: fmt.Sprintf("unsupported action type %q", action.Type)}, nil
	}
}

// writeSpec stores the model's spec at the action's target. Replies that are
// not a file plan are taken as the spec text itself. An action carrying
// Content against an existing spec is a revision with Content as feedback.
func (e *Executor) writeSpec(ctx context.Context, role domain.Role, action domain.Action, snap domain.WorkflowContext) (domain.ToolResult, error) {
	target := action.TargetFile
	if target == "" {
		target = snap.SpecPath
	}
	instruction := SpecInstruction(snap, target)
	if snap.HasSpec() && strings.TrimSpace(action.Content) != "" {
		instruction = SpecRevisionInstruction(snap, action.Content)
	}
	reply, err := e.send(ctx, role, instruction)
	if err != nil {
		return domain.ToolResult{}, err
	}
	content := strings.TrimSpace(reply)
	if plan, err := parsePlan([]byte(reply)); err == nil && len(plan.Files) > 0 {
		content = plan.Files[0].Content
		for _, f := range plan.Files {
			if filepath.Base(f.Path) == filepath.Base(target) {
				content = f.Content
				break
			}
		}
	}
	if strings.TrimSpace(content) == "" {
		return domain.ToolResult{Success: false, Error: "model returned an empty specification"}, nil
	}

	rel, err := e.files.Rel(target)
	if err != nil {
		return domain.ToolResult{Success: false, Error: err.Error()}, nil
	}
	op, err := e.files.WriteFile(ctx, role, rel, []byte(content))
	if err != nil {
		return domain.ToolResult{Success: false, Error: err.Error()}, nil
	}
	result := domain.ToolResult{Success: true, Output: content, AffectedFiles: []string{target}}
	if op == domain.FileOperationWrite {
		result.ModifiedFiles = []string{target}
	}
	return result, nil
}

func (e *Executor) writeFiles(ctx context.Context, role domain.Role, instruction string) (domain.ToolResult, error) {
	reply, err := e.send(ctx, role, instruction)
	if err != nil {
		return domain.ToolResult{}, err
	}
	plan, err := parsePlan([]byte(reply))
	if err != nil {
		return domain.ToolResult{Success: false, Output: trim(reply, 800), Error: "parse model output: " + err.Error()}, nil
	}
	if len(plan.Files) == 0 {
		return domain.ToolResult{Success: false, Output: plan.Summary, Error: "model returned no files"}, nil
	}

	var written, modified, failures []string
	for _, f := range plan.Files {
		if err := validateRelativePath(f.Path); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", f.Path, err))
			continue
		}
		op, err := e.files.WriteFile(ctx, role, f.Path, []byte(f.Content))
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", f.Path, err))
			continue
		}
		rel, err := e.files.Rel(f.Path)
		if err != nil {
			rel = f.Path
		}
		written = append(written, rel)
		if op == domain.FileOperationWrite {
			modified = append(modified, rel)
		}
	}
	result := domain.ToolResult{
		Success:       len(failures) == 0,
		Output:        plan.Summary,
		AffectedFiles: written,
		ModifiedFiles: modified,
	}
	if len(failures) > 0 {
		result.Error = strings.Join(failures, "; ")
	}
	e.logger.Printf("tools %s wrote files=%d failed=%d", role, len(written), len(failures))
	return result, nil
}

// runTests tells role which suite is about to run, then runs it. The command
// output, not the model's reply, decides the result.
func (e *Executor) runTests(ctx context.Context, role domain.Role, action domain.Action, snap domain.WorkflowContext) (domain.ToolResult, error) {
	if e.runner == nil {
		return domain.ToolResult{}, ErrNoTestCommand
	}
	if _, err := e.send(ctx, role, RunTestsInstruction(snap)); err != nil {
		return domain.ToolResult{}, err
	}
	res, err := e.runner.RunTests(ctx, action.Command)
	if err != nil {
		return domain.ToolResult{}, err
	}
	result := domain.ToolResult{
		Success: res.ExitCode == 0,
		Output:  res.Output,
	}
	if res.ExitCode != 0 {
		result.Error = fmt.Sprintf("%s exited with status %d", res.Command, res.ExitCode)
	}
	return result, nil
}

func (e *Executor) send(ctx context.Context, role domain.Role, instruction string) (string, error) {
	backend, ok := e.backends[role]
	if !ok || backend == nil {
		return "", fmt.Errorf("no backend for role %s", role)
	}
	if err := backend.SwitchActiveRole(ctx, role); err != nil {
		return "", fmt.Errorf("switch role %s: %w", role, err)
	}
	reply, err := backend.SendInstruction(ctx, instruction, func(content string, complete bool) {
		if e.pub == nil {
			return
		}
		_ = e.pub.Publish(domain.Notification{
			Kind:     domain.NotificationStreaming,
			Role:     role,
			Message:  content,
			Complete: complete,
		})
	})
	if err != nil {
		return "", fmt.Errorf("send instruction for %s: %w", role, err)
	}
	return reply, nil
}

// parsePlan accepts bare JSON, fenced JSON, or JSON surrounded by prose.
func parsePlan(raw []byte) (filePlan, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var plan filePlan
	err := json.Unmarshal([]byte(text), &plan)
	if err == nil {
		return plan, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return filePlan{}, err
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &plan); err != nil {
		return filePlan{}, err
	}
	return plan, nil
}

func validateRelativePath(p string) error {
	value := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	value = strings.TrimPrefix(value, "./")
	if value == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(value, "/") {
		return fmt.Errorf("absolute path is not allowed")
	}
	clean := filepath.Clean(value)
	if clean == "." {
		return fmt.Errorf("path resolves to current directory")
	}
	if strings.HasPrefix(clean, "..") {
		return fmt.Errorf("path escapes root")
	}
	return nil
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
