package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"pingpong/internal/approval"
	"pingpong/internal/domain"
)

func renderWorkflowsTable(table *tview.Table, items []domain.WorkflowRecord, selectedID string) {
	table.Clear()
	headers := []string{"Workflow", "Mode", "State", "Updated", "Prompt"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, wf := range items {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(wf.ID)))
		table.SetCell(row, 1, tview.NewTableCell(wf.Mode))
		table.SetCell(row, 2, tview.NewTableCell(wf.State).SetTextColor(stateColor(wf.State)))
		table.SetCell(row, 3, tview.NewTableCell(wf.UpdatedAt.Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(wf.Prompt, 64)))
		if wf.ID == selectedID {
			table.Select(row, 0)
		}
	}
}

func stateColor(state string) tcell.Color {
	switch domain.State(state) {
	case domain.StateCompleted:
		return tcell.ColorGreen
	case domain.StateError:
		return tcell.ColorRed
	case domain.StatePaused:
		return tcell.ColorYellow
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func renderState(s liveState) string {
	if s.WorkflowID == "" {
		return "No workflow running"
	}
	ctx := s.Context
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Workflow: %s  mode=%s\n", shortID(s.WorkflowID), s.Mode))
	if s.Mode == "parallel" {
		b.WriteString(fmt.Sprintf("Coordinator: %s  tick=%d\n", s.CoordinatorStatus, s.Tick))
	} else {
		b.WriteString(fmt.Sprintf("Machine: %s\n", s.MachineState))
	}
	b.WriteString(fmt.Sprintf(
		"Spec: %s  iteration=%d/%d  active=%t\n",
		ctx.SpecStatus,
		ctx.Iteration,
		ctx.MaxIterations,
		ctx.IsWorkflowActive,
	))
	impl := ctx.ImplementationStatus
	b.WriteString(fmt.Sprintf(
		"Files: created=%d modified=%d tests=%d  last change by %s\n",
		len(impl.FilesCreated),
		len(impl.FilesModified),
		len(impl.TestsCreated),
		firstNonEmpty(string(impl.LastActivity), "-"),
	))
	if latest, ok := ctx.LatestTestResult(); ok {
		b.WriteString(fmt.Sprintf("Latest tests: passed=%t %d/%d\n", latest.Passed, latest.PassedCount, latest.Total))
	}
	if s.LastError != "" {
		b.WriteString("[red]Error: " + tview.Escape(trimLine(s.LastError, 120)) + "[-]\n")
	}
	b.WriteString("\n")
	for _, sess := range s.Sessions {
		aborted := ""
		if sess.Aborted {
			aborted = " aborted"
		}
		b.WriteString(fmt.Sprintf("%-4s %-10s messages=%d%s\n", sess.Role, sess.Status, sess.Messages, aborted))
	}
	if n := len(s.History); n > 0 {
		b.WriteString("\nRecent transitions:\n")
		for _, t := range s.History[max(0, n-5):] {
			b.WriteString(fmt.Sprintf("  [%s] %s -> %s (%s)\n", t.At.Format("15:04:05"), t.From, t.To, t.Event))
		}
	}
	return b.String()
}

func renderApprovals(items []approval.Request) string {
	if len(items) == 0 {
		return "No pending approvals"
	}
	var b strings.Builder
	for i, r := range items {
		marker := " "
		if i == 0 {
			marker = ">"
		}
		b.WriteString(fmt.Sprintf("%s [%s] %s %s\n", marker, r.CreatedAt.Format("15:04:05"), r.Kind, shortID(r.ID)))
		b.WriteString("  " + tview.Escape(trimLine(strings.ReplaceAll(r.Summary, "\n", " "), 200)) + "\n")
	}
	return b.String()
}

func renderTests(items []domain.StoredTestResult) string {
	if len(items) == 0 {
		return "No test runs"
	}
	var b strings.Builder
	for i := len(items) - 1; i >= 0; i-- {
		tr := items[i]
		verdict := "[red]FAIL[-]"
		if tr.Passed {
			verdict = "[green]PASS[-]"
		}
		b.WriteString(fmt.Sprintf(
			"[%s] %s passed=%d failed=%d total=%d by=%s\n",
			tr.Timestamp.Format("15:04:05"),
			verdict,
			tr.PassedCount,
			tr.FailedCount,
			tr.Total,
			tr.TriggeredBy,
		))
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Format("15:04:05"),
			d.Actor,
			d.Action,
			tview.Escape(trimLine(d.Reason, 100)),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + tview.Escape(trimLine(detail, 160)) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
