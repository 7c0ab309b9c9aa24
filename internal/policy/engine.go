// Package policy decides the next action of each role from a context
// snapshot. Decisions are pure: the same role and snapshot always give the
// same action. FileGuard applies the matching ownership rules to workspace
// writes.
package policy

import (
	"path/filepath"
	"strings"

	"pingpong/internal/domain"
)

const DefaultSpecPath = "specs/SPEC.md"

type Engine struct {
	specPath string
}

// New returns an engine writing specs to specPath, relative to the workspace
// unless absolute.
func New(specPath string) *Engine {
	if strings.TrimSpace(specPath) == "" {
		specPath = DefaultSpecPath
	}
	return &Engine{specPath: specPath}
}

// SpecTarget resolves where the spec lives for the given workspace.
func (e *Engine) SpecTarget(workspace string) string {
	if filepath.IsAbs(e.specPath) || workspace == "" {
		return e.specPath
	}
	return filepath.Join(workspace, e.specPath)
}

// Decide returns nil when the role has nothing to do.
func (e *Engine) Decide(role domain.Role, snap domain.WorkflowContext) *domain.Action {
	switch role {
	case domain.RoleQA:
		return e.decideQA(snap)
	case domain.RoleDev:
		return e.decideDev(snap)
	default:
		return nil
	}
}

func (e *Engine) decideQA(snap domain.WorkflowContext) *domain.Action {
	impl := snap.ImplementationStatus
	switch {
	case !snap.HasSpec():
		return &domain.Action{
			Type:        domain.ActionWriteSpec,
			Description: "Write the specification for: " + trim(snap.OriginalPrompt, 120),
			TargetFile:  e.SpecTarget(snap.WorkspacePath),
		}
	case snap.SpecStatus == domain.SpecStatusFrozen && len(impl.TestsCreated) == 0:
		return &domain.Action{
			Type:        domain.ActionWriteTest,
			Description: "Write failing tests against the frozen specification",
			TargetFile:  snap.SpecPath,
		}
	case len(impl.FilesCreated) > 0:
		return &domain.Action{
			Type:        domain.ActionRunTest,
			Description: "Run the test suite against the current implementation",
		}
	default:
		return nil
	}
}

// decideDev blocks until the spec is at least frozen.
func (e *Engine) decideDev(snap domain.WorkflowContext) *domain.Action {
	if !snap.HasSpec() || snap.SpecStatus == domain.SpecStatusDraft {
		return nil
	}
	if snap.SpecStatus != domain.SpecStatusFrozen && snap.SpecStatus != domain.SpecStatusLocked {
		return nil
	}
	if latest, ok := snap.LatestTestResult(); ok && latest.Passed {
		return nil
	}
	return &domain.Action{
		Type:        domain.ActionWriteCode,
		Description: "Implement code until the tests pass",
		TargetFile:  snap.SpecPath,
	}
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
