package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pingpong/internal/domain"
)

var (
	ErrForbiddenFileOperation = errors.New("file operation is forbidden by policy")
	ErrPathEscapesWorkspace   = errors.New("path escapes workspace root")
)

type Policy interface {
	CanFileOperation(ctx context.Context, role domain.Role, operation domain.FileOperation, targetPath string) (bool, string, error)
}

type ChangeLogger interface {
	LogFileChange(ctx context.Context, entry domain.FileChangeLog) error
}

// Gateway is the only way roles touch the workspace. Every write, and every
// denied read, is reported to the change logger.
type Gateway struct {
	root       string
	workflowID string
	policy     Policy
	logger     ChangeLogger
}

// NewGateway creates root if needed. policy and logger may be nil.
func NewGateway(root, workflowID string, policy Policy, logger ChangeLogger) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{
		root:       absRoot,
		workflowID: workflowID,
		policy:     policy,
		logger:     logger,
	}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

// Abs returns the absolute form of a workspace relative path.
func (g *Gateway) Abs(relPath string) (string, error) {
	abs, _, err := g.resolve(relPath)
	return abs, err
}

// Rel maps a path inside the workspace, absolute or relative, to its
// normalized relative form.
func (g *Gateway) Rel(path string) (string, error) {
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(g.root, filepath.Clean(path))
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("%w: %q", ErrPathEscapesWorkspace, path)
		}
		path = rel
	}
	_, normalized, err := g.resolve(path)
	return normalized, err
}

func (g *Gateway) FileExists(relPath string) bool {
	absPath, _, err := g.resolve(relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(absPath)
	return err == nil && !info.IsDir()
}

// WriteFile writes content and reports whether the file was created or
// overwritten.
func (g *Gateway) WriteFile(ctx context.Context, role domain.Role, relPath string, content []byte) (domain.FileOperation, error) {
	op := domain.FileOperationCreate
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		g.logChange(ctx, role, op, relPath, false, err.Error())
		return op, err
	}
	if _, statErr := os.Stat(absPath); statErr == nil {
		op = domain.FileOperationWrite
	}

	if g.policy != nil {
		allowed, reason, err := g.policy.CanFileOperation(ctx, role, op, normalized)
		if err != nil {
			return op, fmt.Errorf("policy check write file: %w", err)
		}
		if !allowed {
			g.logChange(ctx, role, op, normalized, false, reason)
			return op, fmt.Errorf("%w: %s", ErrForbiddenFileOperation, reason)
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return op, fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return op, fmt.Errorf("write file: %w", err)
	}
	g.logChange(ctx, role, op, normalized, true, "allowed")
	return op, nil
}

func (g *Gateway) ReadFile(ctx context.Context, role domain.Role, relPath string) ([]byte, error) {
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		return nil, err
	}

	if g.policy != nil {
		allowed, reason, err := g.policy.CanFileOperation(ctx, role, domain.FileOperationRead, normalized)
		if err != nil {
			return nil, fmt.Errorf("policy check read file: %w", err)
		}
		if !allowed {
			g.logChange(ctx, role, domain.FileOperationRead, normalized, false, reason)
			return nil, fmt.Errorf("%w: %s", ErrForbiddenFileOperation, reason)
		}
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

func (g *Gateway) logChange(ctx context.Context, role domain.Role, op domain.FileOperation, path string, allowed bool, reason string) {
	if g.logger == nil {
		return
	}
	_ = g.logger.LogFileChange(ctx, domain.FileChangeLog{
		WorkflowID: g.workflowID,
		Role:       role,
		Operation:  op,
		Path:       path,
		Allowed:    allowed,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	})
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	abs := filepath.Join(g.root, filepath.FromSlash(normalized))
	absClean := filepath.Clean(abs)
	absRoot := filepath.Clean(g.root)

	rel, err := filepath.Rel(absRoot, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") || rel == "." {
		return "", "", fmt.Errorf("%w: %q", ErrPathEscapesWorkspace, relPath)
	}
	return absClean, strings.ReplaceAll(rel, "\\", "/"), nil
}
