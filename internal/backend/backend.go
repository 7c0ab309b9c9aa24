// Package backend implements the model backends the agent sessions and the
// tool executor talk to: the local codex CLI and an OpenAI Responses
// compatible HTTP endpoint. Every backend remembers one active role and keeps
// a separate transcript per role.
package backend

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"pingpong/internal/agent"
	"pingpong/internal/domain"
)

const (
	KindExec      = "exec"
	KindResponses = "responses"
)

type Config struct {
	Kind            string
	Binary          string
	Workdir         string
	Endpoint        string
	Model           string
	ReasoningEffort string
	AuthToken       string
	Timeout         time.Duration
	Retries         int
	Logger          *log.Logger
}

// Backend is the contract shared by the exec and responses backends.
type Backend interface {
	agent.Backend
	ActiveRole() domain.Role
}

// New builds the backend named by cfg.Kind. An empty kind selects exec.
func New(cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindExec:
		return NewExecBackend(ExecConfig{
			Binary:  cfg.Binary,
			Workdir: cfg.Workdir,
			Timeout: cfg.Timeout,
			Logger:  cfg.Logger,
		}), nil
	case KindResponses:
		return NewResponsesBackend(ResponsesConfig{
			Endpoint:        cfg.Endpoint,
			Model:           cfg.Model,
			ReasoningEffort: cfg.ReasoningEffort,
			AuthToken:       cfg.AuthToken,
			Timeout:         cfg.Timeout,
			Retries:         cfg.Retries,
			Logger:          cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// roleState tracks the active role and one transcript per role.
type roleState struct {
	mu          sync.Mutex
	active      domain.Role
	transcripts map[domain.Role][]turn
}

type turn struct {
	role string
	text string
}

func newRoleState() *roleState {
	return &roleState{
		active:      domain.RoleQA,
		transcripts: make(map[domain.Role][]turn),
	}
}

func (r *roleState) SwitchActiveRole(ctx context.Context, role domain.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	r.mu.Lock()
	r.active = role
	r.mu.Unlock()
	return nil
}

func (r *roleState) ActiveRole() domain.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *roleState) history(role domain.Role) []turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]turn(nil), r.transcripts[role]...)
}

func (r *roleState) record(role domain.Role, instruction, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts[role] = append(r.transcripts[role],
		turn{role: "user", text: instruction},
		turn{role: "assistant", text: reply},
	)
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
