package sqlite

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"pingpong/internal/domain"
)

// Recorder copies workflow notifications into the audit tables. It never
// feeds anything back into a running workflow.
type Recorder struct {
	store      *Store
	workflowID string
	logger     *log.Logger
}

func NewRecorder(store *Store, workflowID string, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{store: store, workflowID: workflowID, logger: logger}
}

// Run records notifications from ch until ctx is done or ch is closed.
func (r *Recorder) Run(ctx context.Context, ch <-chan domain.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Record(ctx, n); err != nil {
				r.logger.Printf("recorder kind=%s error: %v", n.Kind, err)
			}
		}
	}
}

// Record stores one notification. Kinds without audit value are ignored.
func (r *Recorder) Record(ctx context.Context, n domain.Notification) error {
	switch n.Kind {
	case domain.NotificationTransition:
		if err := r.store.UpdateWorkflowState(ctx, r.workflowID, n.To, ""); err != nil {
			return err
		}
		return r.decision(ctx, "machine", "transition", n.From+" -> "+n.To, map[string]any{
			"from":  n.From,
			"to":    n.To,
			"event": n.Message,
		})
	case domain.NotificationTestCompleted:
		if n.TestResult == nil {
			return nil
		}
		return r.store.AddTestResult(ctx, r.workflowID, *n.TestResult)
	case domain.NotificationActionCompleted:
		if n.Action == nil || n.Result == nil {
			return nil
		}
		reason := n.Result.Error
		if reason == "" {
			reason = trimText(n.Result.Output, 200)
		}
		return r.decision(ctx, string(n.Role), string(n.Action.Type), reason, map[string]any{
			"success":        n.Result.Success,
			"affected_files": n.Result.AffectedFiles,
			"modified_files": n.Result.ModifiedFiles,
		})
	case domain.NotificationSessionError:
		return r.decision(ctx, string(n.Role), "session_error", n.Message, nil)
	case domain.NotificationWorkflowError:
		if err := r.store.SetWorkflowError(ctx, r.workflowID, n.Message); err != nil {
			return err
		}
		return r.decision(ctx, "workflow", "error", n.Message, nil)
	case domain.NotificationPaused, domain.NotificationResumed, domain.NotificationCompleted:
		// Parallel runs have no machine transitions; completion is their
		// only terminal state.
		if n.Kind == domain.NotificationCompleted {
			if err := r.store.UpdateWorkflowState(ctx, r.workflowID, string(domain.StateCompleted), ""); err != nil {
				return err
			}
		}
		return r.decision(ctx, "context", string(n.Kind), n.Message, map[string]any{
			"iteration": n.Snapshot.Iteration,
		})
	case domain.NotificationSpecUpdated:
		return r.decision(ctx, "context", "spec_updated", string(n.Snapshot.SpecStatus), map[string]any{
			"spec_path": n.Snapshot.SpecPath,
			"bytes":     len(n.Snapshot.SpecContent),
		})
	default:
		return nil
	}
}

func (r *Recorder) decision(ctx context.Context, actor, action, reason string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return r.store.LogDecision(ctx, domain.DecisionLog{
		WorkflowID: r.workflowID,
		Actor:      actor,
		Action:     action,
		Reason:     trimText(strings.TrimSpace(reason), 500),
		Payload:    data,
	})
}

func trimText(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
