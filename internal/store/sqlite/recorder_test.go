package sqlite

import (
	"context"
	"testing"
	"time"

	"pingpong/internal/domain"
)

func TestRecorderStoresAuditTrail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newTestStore(t)
	defer store.Close()

	if err := store.CreateWorkflow(ctx, domain.WorkflowRecord{ID: "wf", Mode: "sequential", Prompt: "p"}); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	rec := NewRecorder(store, "wf", nil)

	ch := make(chan domain.Notification, 8)
	action := domain.Action{Type: domain.ActionWriteCode}
	result := domain.ToolResult{Success: false, Error: "model returned no files"}
	tr := domain.TestResult{Passed: true, PassedCount: 1, Total: 1, Output: "1 passed", TriggeredBy: domain.RoleQA}
	ch <- domain.Notification{Kind: domain.NotificationTransition, From: "IDLE", To: "SPEC_CREATION", Message: "START"}
	ch <- domain.Notification{Kind: domain.NotificationActionCompleted, Role: domain.RoleDev, Action: &action, Result: &result}
	ch <- domain.Notification{Kind: domain.NotificationTestCompleted, TestResult: &tr}
	ch <- domain.Notification{Kind: domain.NotificationWorkflowError, Message: "no test command"}
	ch <- domain.Notification{Kind: domain.NotificationStreaming, Message: "ignored"}
	close(ch)

	done := make(chan struct{})
	go func() {
		rec.Run(ctx, ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("recorder did not stop after channel close")
	}

	wf, err := store.GetWorkflow(ctx, "wf")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wf.State != "SPEC_CREATION" || wf.LastError != "no test command" {
		t.Fatalf("workflow=%+v", wf)
	}

	decisions, err := store.ListWorkflowDecisions(ctx, "wf", 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 3 {
		t.Fatalf("decisions=%d want=3", len(decisions))
	}
	if decisions[1].Actor != "dev" || decisions[1].Action != "write_code" || decisions[1].Reason != "model returned no files" {
		t.Fatalf("unexpected action decision: %+v", decisions[1])
	}

	results, err := store.ListTestResults(ctx, "wf", 10)
	if err != nil {
		t.Fatalf("list test results: %v", err)
	}
	if len(results) != 1 || !results[0].Passed {
		t.Fatalf("results=%+v", results)
	}
}

func TestRecorderMarksCompletedWorkflow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.CreateWorkflow(ctx, domain.WorkflowRecord{ID: "wf", Mode: "parallel", Prompt: "p"}); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	rec := NewRecorder(store, "wf", nil)
	if err := rec.Record(ctx, domain.Notification{Kind: domain.NotificationCompleted, Snapshot: domain.WorkflowContext{Iteration: 2}}); err != nil {
		t.Fatalf("record: %v", err)
	}

	wf, err := store.GetWorkflow(ctx, "wf")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wf.State != string(domain.StateCompleted) {
		t.Fatalf("state=%q want=%q", wf.State, domain.StateCompleted)
	}
	decisions, err := store.ListWorkflowDecisions(ctx, "wf", 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Actor != "context" || decisions[0].Action != "completed" {
		t.Fatalf("decisions=%+v", decisions)
	}
}
