package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pingpong/internal/approval"
	"pingpong/internal/domain"
)

func TestParsePrompt(t *testing.T) {
	cases := []struct {
		in, prompt, mode string
	}{
		{"todo app", "todo app", ""},
		{"parallel: todo app", "todo app", "parallel"},
		{" sequential:calc ", "calc", "sequential"},
		{"parallelize this", "parallelize this", ""},
	}
	for _, tc := range cases {
		prompt, mode := parsePrompt(tc.in)
		assert.Equal(t, tc.prompt, prompt, tc.in)
		assert.Equal(t, tc.mode, mode, tc.in)
	}
}

func TestRenderState(t *testing.T) {
	assert.Equal(t, "No workflow running", renderState(liveState{}))

	out := renderState(liveState{
		WorkflowID:        "0123456789abcdef",
		Mode:              "parallel",
		CoordinatorStatus: "running",
		Tick:              7,
		Context: domain.WorkflowContext{
			SpecStatus:    domain.SpecStatusFrozen,
			Iteration:     2,
			MaxIterations: 5,
			TestResults:   []domain.TestResult{{Passed: false, PassedCount: 1, Total: 3}},
			ImplementationStatus: domain.ImplementationStatus{
				FilesCreated: []string{"a.go"},
				TestsCreated: []string{"a_test.go"},
				LastActivity: domain.RoleDev,
			},
		},
		Sessions: []sessionState{{Role: domain.RoleQA, Status: domain.SessionStatusExecuting}},
	})
	assert.Contains(t, out, "Workflow: 01234567  mode=parallel")
	assert.Contains(t, out, "Coordinator: running  tick=7")
	assert.Contains(t, out, "iteration=2/5")
	assert.Contains(t, out, "last change by dev")
	assert.Contains(t, out, "Latest tests: passed=false 1/3")
	assert.Contains(t, out, "qa   executing")
}

func TestRenderApprovalsMarksFirst(t *testing.T) {
	assert.Equal(t, "No pending approvals", renderApprovals(nil))
	out := renderApprovals([]approval.Request{
		{ID: "aaaaaaaaaa", Kind: approval.KindSpec, Summary: "line one\nline two", CreatedAt: time.Now()},
		{ID: "bbbbbbbbbb", Kind: approval.KindCompletion},
	})
	assert.Contains(t, out, "> [")
	assert.Contains(t, out, "spec aaaaaaaa")
	assert.Contains(t, out, "line one line two")
}

func TestDecisionPayloadSummary(t *testing.T) {
	assert.Equal(t, "", decisionPayloadSummary(nil))
	assert.Equal(t, "", decisionPayloadSummary(json.RawMessage("null")))
	assert.Equal(t, "a=1, b=x", decisionPayloadSummary(json.RawMessage(`{"b":"x","a":1}`)))
	assert.Equal(t, "[1]", decisionPayloadSummary(json.RawMessage(`[1]`)))
}

func TestRenderTestsNewestFirst(t *testing.T) {
	out := renderTests([]domain.StoredTestResult{
		{TestResult: domain.TestResult{Passed: false, FailedCount: 2}},
		{TestResult: domain.TestResult{Passed: true, PassedCount: 3}},
	})
	assert.Less(t, strings.Index(out, "PASS"), strings.Index(out, "FAIL"))
}

