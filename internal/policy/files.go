package policy

import (
	"context"
	"path/filepath"
	"strings"

	"pingpong/internal/domain"
)

type Snapshotter interface {
	Snapshot() domain.WorkflowContext
}

// FileGuard keeps each role inside its own files: Dev never touches the spec
// or the tracked tests, QA never touches tracked implementation files. Reads
// are always allowed.
type FileGuard struct {
	ctx Snapshotter
}

func NewFileGuard(ctx Snapshotter) *FileGuard {
	return &FileGuard{ctx: ctx}
}

func (g *FileGuard) CanFileOperation(_ context.Context, role domain.Role, op domain.FileOperation, target string) (bool, string, error) {
	if op == domain.FileOperationRead {
		return true, "reads are always allowed", nil
	}
	snap := g.ctx.Snapshot()
	target = normalize(snap.WorkspacePath, target)

	switch role {
	case domain.RoleDev:
		if snap.SpecPath != "" && normalize(snap.WorkspacePath, snap.SpecPath) == target {
			return false, "dev cannot modify the specification", nil
		}
		if contains(snap.WorkspacePath, snap.ImplementationStatus.TestsCreated, target) {
			return false, "dev cannot modify qa tests", nil
		}
	case domain.RoleQA:
		if contains(snap.WorkspacePath, snap.ImplementationStatus.FilesCreated, target) {
			return false, "qa cannot modify implementation files", nil
		}
	default:
		return false, "unknown role " + string(role), nil
	}
	return true, "allowed", nil
}

func contains(workspace string, paths []string, target string) bool {
	for _, p := range paths {
		if normalize(workspace, p) == target {
			return true
		}
	}
	return false
}

// normalize reduces p to a slash separated path relative to workspace.
func normalize(workspace, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if filepath.IsAbs(p) && workspace != "" {
		if rel, err := filepath.Rel(filepath.Clean(workspace), p); err == nil {
			p = rel
		}
	}
	return filepath.ToSlash(p)
}
