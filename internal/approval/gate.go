// Package approval asks a human, or an automatic policy, before a workflow
// freezes its spec, accepts a review or completes.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownRequest = errors.New("unknown approval request")

const (
	PolicyAuto   = "auto"
	PolicyManual = "manual"
)

const (
	KindSpec       = "spec"
	KindReview     = "review"
	KindCompletion = "completion"
)

type Request struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

type Decision struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

type pending struct {
	req  Request
	done chan Decision
}

// Gate resolves approval requests. With the auto policy every request is
// approved immediately; with the manual policy requests wait until Resolve
// is called or the caller's context ends.
type Gate struct {
	policy string
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

func NewGate(policy string, logger *log.Logger) (*Gate, error) {
	policy = strings.ToLower(strings.TrimSpace(policy))
	if policy == "" {
		policy = PolicyAuto
	}
	if policy != PolicyAuto && policy != PolicyManual {
		return nil, fmt.Errorf("unknown approval policy %q", policy)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Gate{
		policy:  policy,
		logger:  logger,
		pending: make(map[string]*pending),
	}, nil
}

func (g *Gate) Policy() string {
	return g.policy
}

func (g *Gate) AskApproval(ctx context.Context, kind, summary string) (Decision, error) {
	if g.policy == PolicyAuto {
		g.logger.Printf("approval auto-approved kind=%s", kind)
		return Decision{Approved: true}, nil
	}

	p := &pending{
		req: Request{
			ID:        uuid.NewString(),
			Kind:      kind,
			Summary:   summary,
			CreatedAt: time.Now().UTC(),
		},
		done: make(chan Decision, 1),
	}
	g.mu.Lock()
	g.pending[p.req.ID] = p
	g.mu.Unlock()
	g.logger.Printf("approval requested id=%s kind=%s", p.req.ID, kind)

	select {
	case d := <-p.done:
		g.logger.Printf("approval resolved id=%s kind=%s approved=%t", p.req.ID, kind, d.Approved)
		return d, nil
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.pending, p.req.ID)
		g.mu.Unlock()
		return Decision{}, ctx.Err()
	}
}

// Pending lists unresolved requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (g *Gate) Resolve(id string, d Decision) error {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	p.done <- d
	return nil
}
