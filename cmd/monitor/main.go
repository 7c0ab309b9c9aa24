package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"pingpong/internal/approval"
	"pingpong/internal/domain"
)

type embeddedServer struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "pingpong base URL")
	interval := flag.Duration("interval", time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start pingpong in the same monitor process lifecycle")
	serverBinary := flag.String("server-bin", "", "path to the pingpong binary (optional in embedded mode)")
	configPath := flag.String("config", "", "config.toml passed to the embedded server")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for the embedded server")
	workspaceRoot := flag.String("workspace", "workspace", "workspace root for the embedded server")
	flag.Parse()

	c := newClient(*addr)

	if *embedded {
		proc, err := startEmbeddedServer(*addr, *serverBinary, *configPath, *dbPath, *workspaceRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded server: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "pingpong health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	workflowsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	workflowsTable.SetTitle("Workflows (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	stateView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	stateView.SetTitle("State").SetBorder(true)

	approvalsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	approvalsView.SetTitle("Approvals (Ctrl+A approve, Ctrl+R reject)").SetBorder(true)

	testsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	testsView.SetTitle("Test runs").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Prompt -> pingpong: ")
	promptInput.SetBorder(true).SetTitle("Enter = start workflow (prefix with 'parallel:' for parallel mode)")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | F10 quit, F5 refresh, Ctrl+F freeze, Ctrl+K lock, Ctrl+P pause, Ctrl+U resume, Ctrl+X abort",
		c.baseURL,
		*embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(stateView, 0, 2, false).
		AddItem(approvalsView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(testsView, 8, 0, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(workflowsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedID string
	var lastWorkflows []domain.WorkflowRecord
	var pending []approval.Request
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshWorkflows := func() {
		items, err := c.listWorkflows()
		if err != nil {
			app.QueueUpdateDraw(func() {
				workflowsTable.Clear()
				workflowsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(items, func(i, j int) bool {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		})
		lastWorkflows = items
		app.QueueUpdateDraw(func() {
			renderWorkflowsTable(workflowsTable, items, selectedID)
		})
	}

	refreshDetailsAsync := func(workflowID string) {
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(selected string, v uint64) {
			state, stateErr := c.state()
			approvals, approvalsErr := c.listApprovals()
			var (
				decisions            []domain.DecisionLog
				tests                []domain.StoredTestResult
				decisionsErr, tstErr error
			)
			if selected != "" {
				decisions, decisionsErr = c.listDecisions(selected, 200)
				tests, tstErr = c.listTests(selected, 20)
			}

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedID {
					return
				}
				switch {
				case stateErr != nil:
					stateView.SetText(fmt.Sprintf("error: %v", stateErr))
				case selected != "" && state.WorkflowID != selected:
					stateView.SetText("Workflow " + shortID(selected) + " is not the live run")
				default:
					stateView.SetText(renderState(state))
				}
				if approvalsErr != nil {
					approvalsView.SetText(fmt.Sprintf("error: %v", approvalsErr))
				} else {
					pending = approvals
					approvalsView.SetText(renderApprovals(approvals))
				}
				if decisionsErr != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decisionsErr))
				} else {
					decisionsView.SetText(renderDecisions(decisions))
				}
				if tstErr != nil {
					testsView.SetText(fmt.Sprintf("error: %v", tstErr))
				} else {
					testsView.SetText(renderTests(tests))
				}
			})
		}(workflowID, version)
	}

	submitPrompt := func(input string) {
		prompt, mode := parsePrompt(input)
		if prompt == "" {
			return
		}
		setStatusUI("Starting workflow...")
		promptInput.SetText("")
		go func() {
			id, err := c.start(prompt, mode)
			if err != nil {
				setStatusAsync("Failed to start workflow: " + err.Error())
				return
			}
			selectedID = id
			refreshWorkflows()
			refreshDetailsAsync(selectedID)
			setStatusAsync("Workflow started: " + id)
		}()
	}

	// act runs a control call off the UI goroutine and reports the outcome.
	act := func(label string, call func() error) {
		setStatusUI(label + "...")
		go func() {
			if err := call(); err != nil {
				setStatusAsync(label + " failed: " + err.Error())
				return
			}
			refreshDetailsAsync(selectedID)
			setStatusAsync(label + " done")
		}()
	}

	resolveFirst := func(approved bool) {
		if len(pending) == 0 {
			setStatusUI("No pending approvals")
			return
		}
		req := pending[0]
		label := "Reject " + req.Kind
		if approved {
			label = "Approve " + req.Kind
		}
		act(label, func() error {
			return c.resolve(req.ID, approval.Decision{Approved: approved})
		})
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	workflowsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastWorkflows) {
			return
		}
		selectedID = lastWorkflows[row-1].ID
		refreshDetailsAsync(selectedID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshWorkflows()
			refreshDetailsAsync(selectedID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlA:
			resolveFirst(true)
			return nil
		case tcell.KeyCtrlR:
			resolveFirst(false)
			return nil
		case tcell.KeyCtrlF:
			act("Freeze spec", func() error { return c.post("/spec/freeze", nil) })
			return nil
		case tcell.KeyCtrlK:
			act("Lock spec", func() error { return c.post("/spec/lock", nil) })
			return nil
		case tcell.KeyCtrlP:
			act("Pause", func() error { return c.post("/pause", map[string]string{"reason": "paused from monitor"}) })
			return nil
		case tcell.KeyCtrlU:
			act("Resume", func() error { return c.post("/resume", nil) })
			return nil
		case tcell.KeyCtrlX:
			act("Abort", func() error { return c.post("/abort", nil) })
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT, tcell.KeyEscape:
			app.SetFocus(workflowsTable)
			setStatusUI("Focus -> workflows")
			return nil
		case tcell.KeyTAB:
			if app.GetFocus() == promptInput {
				app.SetFocus(workflowsTable)
			} else {
				app.SetFocus(promptInput)
			}
			return nil
		}
		if app.GetFocus() != promptInput && event.Key() == tcell.KeyRune {
			app.SetFocus(promptInput)
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshWorkflows()
		if len(lastWorkflows) > 0 {
			selectedID = lastWorkflows[0].ID
		}
		refreshDetailsAsync(selectedID)

		for range ticker.C {
			refreshWorkflows()
			if selectedID == "" && len(lastWorkflows) > 0 {
				selectedID = lastWorkflows[0].ID
			}
			refreshDetailsAsync(selectedID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

// parsePrompt splits an optional "parallel:" or "sequential:" prefix off the
// prompt.
func parsePrompt(input string) (prompt, mode string) {
	input = strings.TrimSpace(input)
	for _, m := range []string{"parallel", "sequential"} {
		if rest, ok := strings.CutPrefix(input, m+":"); ok {
			return strings.TrimSpace(rest), m
		}
	}
	return input, ""
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedServer(addr, binary, configPath, dbPath, workspaceRoot string) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	args := []string{"--addr", ":" + port, "--db", dbPath, "--workspace", workspaceRoot}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(binary) != "" {
		cmd = exec.Command(binary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			for _, name := range []string{"pingpong", "pingpong.exe"} {
				sibling := filepath.Join(filepath.Dir(self), name)
				if fileExists(sibling) {
					cmd = exec.Command(sibling, args...)
					break
				}
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/pingpong"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pingpong process: %w", err)
	}
	return &embeddedServer{cmd: cmd}, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
