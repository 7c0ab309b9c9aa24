package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pingpong/internal/agent"
	"pingpong/internal/domain"
)

const (
	defaultReasoningEffort = "high"
	defaultAPIRetries      = 2
	defaultAPITimeout      = 8 * time.Minute
	retryBackoff           = 1500 * time.Millisecond
	maxReplyBytes          = 8 * 1024 * 1024
	maxReplyTokens         = 24000
	maxErrorBodyBytes      = 64 * 1024
)

type ResponsesConfig struct {
	Endpoint        string
	Model           string
	ReasoningEffort string
	AuthToken       string
	Timeout         time.Duration
	Retries         int
	Logger          *log.Logger
}

// ResponsesBackend streams instructions to a Responses API endpoint. Each
// role's transcript is replayed as input so the conversation survives role
// switches.
type ResponsesBackend struct {
	*roleState

	cfg    ResponsesConfig
	client *http.Client
}

func NewResponsesBackend(cfg ResponsesConfig) (*ResponsesBackend, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty API endpoint")
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid API endpoint %q: %w", cfg.Endpoint, err)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("empty model")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAPITimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultAPIRetries
	}
	cfg.ReasoningEffort = normalizeReasoningEffort(cfg.ReasoningEffort)
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)

	return &ResponsesBackend{
		roleState: newRoleState(),
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// SendInstruction sends text as the active role, retrying transient failures.
// Deltas are passed to onStream as they arrive; the final call carries the
// full reply with complete set.
func (b *ResponsesBackend) SendInstruction(ctx context.Context, text string, onStream domain.StreamFunc) (string, error) {
	role := b.ActiveRole()
	req := b.request(role, text)

	var err error
	for attempt := 0; attempt <= b.cfg.Retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * retryBackoff
			b.cfg.Logger.Printf("backend responses retry role=%s attempt=%d wait=%s reason=%v", role, attempt, wait, err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
		var reply string
		reply, err = b.post(ctx, req, onStream)
		if err == nil {
			b.record(role, text, reply)
			if onStream != nil {
				onStream(reply, true)
			}
			return reply, nil
		}
		if !isRetryableAPIError(err) {
			break
		}
	}
	return "", err
}

// request replays role's transcript followed by text.
func (b *ResponsesBackend) request(role domain.Role, text string) responsesRequest {
	past := b.history(role)
	input := make([]responsesInputMessage, 0, len(past)+1)
	for _, t := range past {
		kind := "input_text"
		if t.role == "assistant" {
			kind = "output_text"
		}
		input = append(input, responsesInputMessage{Role: t.role, Content: []responsesInputContent{{Type: kind, Text: t.text}}})
	}
	input = append(input, responsesInputMessage{Role: "user", Content: []responsesInputContent{{Type: "input_text", Text: text}}})
	return responsesRequest{
		Model:           b.cfg.Model,
		Instructions:    agent.SystemPrompt(role) + "\n\n" + filePlanInstructions,
		Stream:          true,
		Reasoning:       &responsesReasoning{Effort: b.cfg.ReasoningEffort},
		Input:           input,
		MaxOutputTokens: maxReplyTokens,
	}
}

func (b *ResponsesBackend) post(ctx context.Context, req responsesRequest, onStream domain.StreamFunc) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal responses request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.AuthToken)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("responses api request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", apiHTTPError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}

	var onDelta func(string)
	if onStream != nil {
		onDelta = func(delta string) { onStream(delta, false) }
	}
	reply, err := readResponsesStream(resp.Body, maxReplyBytes, onDelta)
	if err != nil {
		return "", fmt.Errorf("read responses stream: %w", err)
	}
	return reply, nil
}

func normalizeReasoningEffort(value string) string {
	switch effort := strings.ToLower(strings.TrimSpace(value)); effort {
	case "none", "low", "medium", "high":
		return effort
	default:
		return defaultReasoningEffort
	}
}

// isRetryableAPIError reports throttling, server errors and broken
// connections.
func isRetryableAPIError(err error) bool {
	var statusErr apiHTTPError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded)
}

// readResponsesStream collects output_text deltas from an SSE body. onDelta,
// when set, sees every delta in arrival order. A completed event only
// contributes text when no delta arrived.
func readResponsesStream(body io.Reader, maxBytes int, onDelta func(string)) (string, error) {
	var out strings.Builder
	appendText := func(s string) error {
		if out.Len()+len(s) > maxBytes {
			return fmt.Errorf("responses output exceeds %d bytes", maxBytes)
		}
		out.WriteString(s)
		return nil
	}

	err := scanSSE(body, maxBytes, func(data string) error {
		var event responsesStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("unmarshal stream event: %w", err)
		}
		if event.Error != nil {
			return fmt.Errorf("responses stream error: %s", event.Error.Message)
		}
		if event.Response != nil && event.Response.Error != nil {
			return fmt.Errorf("responses completion error: %s", event.Response.Error.Message)
		}
		switch event.Type {
		case "response.output_text.delta":
			if err := appendText(event.Delta); err != nil {
				return err
			}
			if onDelta != nil && event.Delta != "" {
				onDelta(event.Delta)
			}
		case "response.completed":
			if out.Len() == 0 && event.Response != nil {
				return appendText(event.Response.text())
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("empty output stream")
	}
	return text, nil
}

// scanSSE calls fn with the joined data lines of every event in body. The
// [DONE] sentinel and empty events are skipped.
func scanSSE(body io.Reader, maxBytes int, fn func(data string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBytes+64*1024)

	var lines []string
	flush := func() error {
		data := strings.TrimSpace(strings.Join(lines, "\n"))
		lines = lines[:0]
		if data == "" || data == "[DONE]" {
			return nil
		}
		return fn(data)
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			lines = append(lines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

type responsesRequest struct {
	Model           string                  `json:"model"`
	Instructions    string                  `json:"instructions"`
	Stream          bool                    `json:"stream"`
	Reasoning       *responsesReasoning     `json:"reasoning,omitempty"`
	Input           []responsesInputMessage `json:"input"`
	MaxOutputTokens int                     `json:"max_output_tokens,omitempty"`
}

type responsesReasoning struct {
	Effort string `json:"effort"`
}

type responsesInputMessage struct {
	Role    string                  `json:"role"`
	Content []responsesInputContent `json:"content"`
}

type responsesInputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesStreamEvent struct {
	Type     string              `json:"type"`
	Delta    string              `json:"delta,omitempty"`
	Response *completedResponse  `json:"response,omitempty"`
	Error    *responsesErrorBody `json:"error,omitempty"`
}

type completedResponse struct {
	Error  *responsesErrorBody `json:"error,omitempty"`
	Output []struct {
		Content []responsesInputContent `json:"content,omitempty"`
	} `json:"output,omitempty"`
}

func (r *completedResponse) text() string {
	var b strings.Builder
	for _, item := range r.Output {
		for _, part := range item.Content {
			if part.Type == "output_text" || part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}

type responsesErrorBody struct {
	Message string `json:"message"`
}

type apiHTTPError struct {
	statusCode int
	body       string
}

func (e apiHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("responses api status=%d", e.statusCode)
	}
	return fmt.Sprintf("responses api status=%d body=%s", e.statusCode, e.body)
}

// filePlanInstructions matches the plan shape the tool executor parses.
const filePlanInstructions = `Actions that write files (tests, code) must answer with one JSON object and nothing else:
{"summary": "what changed", "files": [{"path": "relative/path.ext", "content": "full file text"}]}
Paths are relative to the workspace. Never use ".." or a leading "/".
Specifications and reviews are plain markdown.`
