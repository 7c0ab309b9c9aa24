package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"pingpong/internal/agent"
	"pingpong/internal/domain"
)

const (
	defaultExecBinary  = "codex"
	defaultExecTimeout = 15 * time.Minute
)

type ExecConfig struct {
	Binary  string
	Workdir string
	Timeout time.Duration
	Logger  *log.Logger
}

// ExecBackend runs one `codex exec` process per instruction. Stdout lines are
// streamed while the process runs and the final message is read from the -o
// output file.
type ExecBackend struct {
	*roleState

	binary  string
	workdir string
	timeout time.Duration
	logger  *log.Logger
}

func NewExecBackend(cfg ExecConfig) *ExecBackend {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = defaultExecBinary
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &ExecBackend{
		roleState: newRoleState(),
		binary:    binary,
		workdir:   cfg.Workdir,
		timeout:   timeout,
		logger:    cfg.Logger,
	}
}

func (b *ExecBackend) SendInstruction(ctx context.Context, text string, onStream domain.StreamFunc) (string, error) {
	role := b.ActiveRole()

	outFile, err := os.CreateTemp("", "pingpong_exec_output_*.txt")
	if err != nil {
		return "", fmt.Errorf("create output temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(outFile.Name())
	}()
	outFile.Close()

	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	args := []string{
		"exec",
		"--skip-git-repo-check",
		"-o",
		outFile.Name(),
		b.buildPrompt(role, text),
	}
	cmd := exec.CommandContext(runCtx, b.binary, args...)
	cmd.Dir = b.workdir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", b.binary, err)
	}

	// stdout must be drained before Wait closes the pipe.
	var streamed strings.Builder
	streamLines(stdout, func(line string) {
		streamed.WriteString(line)
		streamed.WriteString("\n")
		if onStream != nil {
			onStream(line, false)
		}
	})

	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("%s exec failed: %w; output: %s", b.binary, err, trim(stderr.String(), 800))
	}

	raw, err := os.ReadFile(outFile.Name())
	if err != nil {
		return "", fmt.Errorf("read exec output: %w", err)
	}
	reply := strings.TrimSpace(string(raw))
	if reply == "" {
		reply = strings.TrimSpace(streamed.String())
	}
	if reply == "" {
		return "", fmt.Errorf("%s produced no output", b.binary)
	}
	b.logger.Printf("backend exec role=%s duration_ms=%d reply_bytes=%d", role, time.Since(started).Milliseconds(), len(reply))

	b.record(role, text, reply)
	if onStream != nil {
		onStream(reply, true)
	}
	return reply, nil
}

// buildPrompt prefixes the instruction with the role prompt and the role's
// earlier turns, since every exec run starts a fresh conversation.
func (b *ExecBackend) buildPrompt(role domain.Role, text string) string {
	var sb strings.Builder
	sb.WriteString(agent.SystemPrompt(role))
	sb.WriteString("\n\n")
	sb.WriteString(filePlanInstructions)
	sb.WriteString("\n\n")
	if history := b.history(role); len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, t := range history {
			sb.WriteString(t.role)
			sb.WriteString(": ")
			sb.WriteString(trim(t.text, 4000))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Instruction:\n")
	sb.WriteString(text)
	return sb.String()
}

func streamLines(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
}
