package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pingpong/internal/domain"
)

func TestNormalizeReasoningEffort(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty defaults to high", in: "", want: "high"},
		{name: "trim and lower", in: "  MEDIUM ", want: "medium"},
		{name: "unsupported defaults to high", in: "ultra", want: "high"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := normalizeReasoningEffort(tc.in)
			if got != tc.want {
				t.Fatalf("normalizeReasoningEffort(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestReadResponsesStreamDelta(t *testing.T) {
	stream := strings.Join([]string{
		"event: response.created",
		`data: {"type":"response.created","response":{"id":"resp_1"}}`,
		"",
		"event: response.output_text.delta",
		`data: {"type":"response.output_text.delta","delta":"{\"summary\":\"ok\",","sequence_number":1}`,
		"",
		"event: response.output_text.delta",
		`data: {"type":"response.output_text.delta","delta":"\"files\":[]}","sequence_number":2}`,
		"",
		"event: response.completed",
		`data: {"type":"response.completed","response":{"id":"resp_1","status":"completed"}}`,
		"",
		"data: [DONE]",
		"",
	}, "\n")

	got, err := readResponsesStream(strings.NewReader(stream), 1024*1024, nil)
	if err != nil {
		t.Fatalf("readResponsesStream returned error: %v", err)
	}
	want := `{"summary":"ok","files":[]}`
	if got != want {
		t.Fatalf("readResponsesStream returned %q want %q", got, want)
	}
}

func TestReadResponsesStreamCompletedFallback(t *testing.T) {
	stream := strings.Join([]string{
		"event: response.created",
		`data: {"type":"response.created","response":{"id":"resp_2"}}`,
		"",
		"event: response.completed",
		`data: {"type":"response.completed","response":{"output":[{"type":"message","content":[{"type":"output_text","text":"{\"summary\":\"ok\",\"files\":[]}"}]}]}}`,
		"",
	}, "\n")

	got, err := readResponsesStream(strings.NewReader(stream), 1024*1024, nil)
	if err != nil {
		t.Fatalf("readResponsesStream returned error: %v", err)
	}
	want := `{"summary":"ok","files":[]}`
	if got != want {
		t.Fatalf("readResponsesStream returned %q want %q", got, want)
	}
}

func TestIsRetryableAPIError(t *testing.T) {
	if !isRetryableAPIError(apiHTTPError{statusCode: 429}) {
		t.Fatalf("429 should be retryable")
	}
	if !isRetryableAPIError(apiHTTPError{statusCode: 502}) {
		t.Fatalf("5xx should be retryable")
	}
	if isRetryableAPIError(apiHTTPError{statusCode: 400}) {
		t.Fatalf("400 should not be retryable")
	}
	if isRetryableAPIError(errors.New("plain error")) {
		t.Fatalf("plain error should not be retryable")
	}
}

func TestReadResponsesStreamTooLarge(t *testing.T) {
	delta := strings.Repeat("x", 20)
	stream := fmt.Sprintf("data: {\"type\":\"response.output_text.delta\",\"delta\":%q}\n\n", delta)
	_, err := readResponsesStream(strings.NewReader(stream), 10, nil)
	if err == nil {
		t.Fatalf("expected size error")
	}
}

func TestReadResponsesStreamReportsDeltas(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"response.output_text.delta","delta":"hel"}`,
		"",
		`data: {"type":"response.output_text.delta","delta":"lo"}`,
		"",
	}, "\n")
	var deltas []string
	got, err := readResponsesStream(strings.NewReader(stream), 1024, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("readResponsesStream returned error: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q", got)
	}
	if strings.Join(deltas, "|") != "hel|lo" {
		t.Fatalf("deltas=%v", deltas)
	}
}

func TestResponsesBackendKeepsTranscriptPerRole(t *testing.T) {
	var requests []responsesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req responsesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		requests = append(requests, req)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"reply %d\"}\n\n", len(requests))
	}))
	defer srv.Close()

	b, err := NewResponsesBackend(ResponsesConfig{
		Endpoint: srv.URL,
		Model:    "gpt-test",
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	ctx := context.Background()

	if err := b.SwitchActiveRole(ctx, domain.RoleQA); err != nil {
		t.Fatalf("switch: %v", err)
	}
	var final string
	reply, err := b.SendInstruction(ctx, "write the spec", func(content string, complete bool) {
		if complete {
			final = content
		}
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "reply 1" || final != "reply 1" {
		t.Fatalf("reply=%q final=%q", reply, final)
	}

	if err := b.SwitchActiveRole(ctx, domain.RoleDev); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if _, err := b.SendInstruction(ctx, "implement", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.SwitchActiveRole(ctx, domain.RoleQA); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if _, err := b.SendInstruction(ctx, "write tests", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(requests) != 3 {
		t.Fatalf("requests=%d", len(requests))
	}
	if len(requests[1].Input) != 1 {
		t.Fatalf("dev request should not see qa transcript, input=%d", len(requests[1].Input))
	}
	if len(requests[2].Input) != 3 {
		t.Fatalf("qa request should replay its transcript, input=%d", len(requests[2].Input))
	}
	if !strings.Contains(requests[1].Instructions, "developer agent") {
		t.Fatalf("dev instructions=%q", requests[1].Instructions)
	}
}

func TestSwitchActiveRoleRejectsUnknownRole(t *testing.T) {
	b, err := NewResponsesBackend(ResponsesConfig{Endpoint: "http://localhost:1", Model: "m"})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if err := b.SwitchActiveRole(context.Background(), domain.Role("ops")); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}
