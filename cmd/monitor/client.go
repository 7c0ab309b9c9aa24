package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pingpong/internal/approval"
	"pingpong/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sessionState struct {
	ID       string               `json:"id"`
	Role     domain.Role          `json:"role"`
	Status   domain.SessionStatus `json:"status"`
	Aborted  bool                 `json:"aborted"`
	Messages int                  `json:"messages"`
}

// liveState is the /state payload.
type liveState struct {
	WorkflowID        string                 `json:"workflow_id"`
	Mode              string                 `json:"mode"`
	Context           domain.WorkflowContext `json:"context"`
	MachineState      domain.State           `json:"machine_state"`
	History           []domain.Transition    `json:"history"`
	LastError         string                 `json:"last_error"`
	CoordinatorStatus string                 `json:"coordinator_status"`
	Tick              int                    `json:"tick"`
	Sessions          []sessionState         `json:"sessions"`
}

func (c *client) start(prompt, mode string) (string, error) {
	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := c.postJSON("/start", map[string]string{"prompt": prompt, "mode": mode}, &out); err != nil {
		return "", err
	}
	return out.WorkflowID, nil
}

func (c *client) state() (liveState, error) {
	var out liveState
	err := c.getJSON("/state", &out)
	return out, err
}

func (c *client) listWorkflows() ([]domain.WorkflowRecord, error) {
	var out []domain.WorkflowRecord
	if err := c.getJSON("/workflows", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listApprovals() ([]approval.Request, error) {
	var out []approval.Request
	if err := c.getJSON("/approvals", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) resolve(id string, d approval.Decision) error {
	return c.postJSON("/approvals/"+id, d, nil)
}

func (c *client) listDecisions(workflowID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/workflows/%s/decisions?limit=%d", workflowID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listTests(workflowID string, limit int) ([]domain.StoredTestResult, error) {
	var out []domain.StoredTestResult
	if err := c.getJSON(fmt.Sprintf("/workflows/%s/tests?limit=%d", workflowID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) post(path string, in any) error {
	return c.postJSON(path, in, nil)
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
