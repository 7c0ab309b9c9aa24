package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrNoTestCommand = errors.New("no test command could be executed")

var DefaultTestCommands = []string{"npm test", "pytest", "go test ./...", "make test"}

const defaultCommandTimeout = 10 * time.Minute

var (
	passedCountRe = regexp.MustCompile(`(\d+)\s+(?:passed|passing)`)
	failedCountRe = regexp.MustCompile(`(\d+)\s+(?:failed|failing)`)
)

// CountTests reads the passed and failed totals a test runner printed. The
// last match wins; output without counts yields zeros.
func CountTests(output string) (passed, failed int) {
	lower := strings.ToLower(output)
	return lastCount(passedCountRe, lower), lastCount(failedCountRe, lower)
}

func lastCount(re *regexp.Regexp, s string) int {
	matches := re.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return 0
	}
	return n
}

type CommandResult struct {
	Command  string
	ExitCode int
	Output   string
	Duration time.Duration
}

// CommandRunner runs shell commands inside a workspace, falling back through
// a list of candidates until one of them actually executes.
type CommandRunner struct {
	workdir    string
	candidates []string
	timeout    time.Duration
	logger     *log.Logger
}

func NewCommandRunner(workdir string, candidates []string, timeout time.Duration, logger *log.Logger) *CommandRunner {
	if len(candidates) == 0 {
		candidates = DefaultTestCommands
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CommandRunner{
		workdir:    workdir,
		candidates: append([]string(nil), candidates...),
		timeout:    timeout,
		logger:     logger,
	}
}

// RunTests tries preferred first, then every candidate. A command that exits
// with any status counts as executed unless the shell reports it missing.
func (r *CommandRunner) RunTests(ctx context.Context, preferred string) (CommandResult, error) {
	commands := r.candidates
	if strings.TrimSpace(preferred) != "" {
		commands = append([]string{preferred}, commands...)
	}
	var tried []string
	for _, command := range commands {
		result, err := r.Execute(ctx, command)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return CommandResult{}, ctx.Err()
		}
		r.logger.Printf("tools test command skipped command=%q: %v", command, err)
		tried = append(tried, command)
	}
	return CommandResult{}, fmt.Errorf("%w: tried %s", ErrNoTestCommand, strings.Join(tried, ", "))
}

// Execute runs one command through sh. Exit codes 126 and 127 mean the
// command could not be run and are returned as errors.
func (r *CommandRunner) Execute(ctx context.Context, command string) (CommandResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = r.workdir
	out, err := cmd.CombinedOutput()
	result := CommandResult{
		Command:  command,
		Output:   string(out),
		Duration: time.Since(started),
	}
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return CommandResult{}, fmt.Errorf("run %q: %w", command, ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		result.Output += fmt.Sprintf("\ncommand timed out after %s", r.timeout)
		return result, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return CommandResult{}, fmt.Errorf("run %q: %w", command, err)
	}
	result.ExitCode = exitErr.ExitCode()
	if result.ExitCode == 126 || result.ExitCode == 127 {
		return CommandResult{}, fmt.Errorf("run %q: exit status %d: %s", command, result.ExitCode, trim(strings.TrimSpace(result.Output), 200))
	}
	return result, nil
}
