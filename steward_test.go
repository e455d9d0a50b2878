package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeTool is a scripted tool for router and steward tests.
type fakeTool struct {
	name   string
	output string
	err    error
	calls  int
}

func (f *fakeTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        f.name,
		Description: "scripted tool",
		ArgsHint:    `{"q": "..."}`,
	}
}

func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.output, nil
}

func TestParseStewardDecision(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantAction string
		wantCalls  int
	}{
		{
			name:       "plain JSON",
			input:      `{"action": "use_tools", "calls": [{"name": "web.fetch", "arguments": {"url": "https://go.dev"}}]}`,
			wantAction: "use_tools",
			wantCalls:  1,
		},
		{
			name: "markdown fenced JSON",
			input: "Here is my decision:\n```json\n" +
				`{"action": "no_tools", "reason": "pure logic question"}` + "\n```",
			wantAction: "no_tools",
		},
		{
			name:       "JSON buried in prose",
			input:      `Thinking about it... {"action": "use_tools", "calls": [{"name": "a"}, {"name": "b"}]} hope that helps!`,
			wantAction: "use_tools",
			wantCalls:  2,
		},
		{
			name:       "missing action with calls assumes use_tools",
			input:      `{"calls": [{"name": "web.fetch", "arguments": {}}]}`,
			wantAction: "use_tools",
			wantCalls:  1,
		},
		{
			name:       "missing action without calls",
			input:      `{"reason": "unsure"}`,
			wantAction: "no_tools",
		},
		{
			name:       "no JSON at all",
			input:      "I don't think any tools are needed here.",
			wantAction: "no_tools",
		},
		{
			name:       "broken JSON",
			input:      `{"action": "use_tools", "calls": [`,
			wantAction: "no_tools",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := ParseStewardDecision(tt.input)
			if decision.Action != tt.wantAction {
				t.Errorf("Action = %q, want %q", decision.Action, tt.wantAction)
			}
			if len(decision.Calls) != tt.wantCalls {
				t.Errorf("Calls = %d, want %d", len(decision.Calls), tt.wantCalls)
			}
		})
	}
}

func TestToolRouterCallBudget(t *testing.T) {
	tool := &fakeTool{name: "test.lookup", output: "fact"}
	registry := NewToolRegistry()
	registry.Register(tool)

	router := NewToolRouter(registry)
	router.MaxCallsPerRun = 1

	calls := []StewardCall{
		{Name: "test.lookup"},
		{Name: "test.lookup"},
		{Name: "test.lookup"},
	}
	pack := router.Execute(context.Background(), calls, "run-1")

	if tool.calls != 1 {
		t.Errorf("Tool executed %d times, want 1", tool.calls)
	}
	if pack.Limits.CallsUsed != 1 {
		t.Errorf("CallsUsed = %d, want 1", pack.Limits.CallsUsed)
	}
	if len(pack.ToolsUsed) != 3 {
		t.Fatalf("Records = %d, want 3", len(pack.ToolsUsed))
	}
	for _, record := range pack.ToolsUsed[1:] {
		if record.Status != "rejected" {
			t.Errorf("Over-budget record status = %q, want rejected", record.Status)
		}
	}
	if len(pack.Limits.LimitsTriggered) != 1 || pack.Limits.LimitsTriggered[0] != "max_calls_per_run" {
		t.Errorf("LimitsTriggered = %v", pack.Limits.LimitsTriggered)
	}
}

func TestToolRouterAllowlist(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{name: "test.blocked", output: "x"})

	router := NewToolRouter(registry)
	router.Allowlist = []string{"test.other"}

	pack := router.Execute(context.Background(), []StewardCall{{Name: "test.blocked"}}, "run-1")

	if len(pack.ToolsUsed) != 1 || pack.ToolsUsed[0].Status != "rejected" {
		t.Fatalf("Records = %+v", pack.ToolsUsed)
	}
	if !strings.Contains(pack.ToolsUsed[0].Summary, "access_denied") {
		t.Errorf("Summary = %q", pack.ToolsUsed[0].Summary)
	}
}

func TestToolRouterUnknownTool(t *testing.T) {
	router := NewToolRouter(NewToolRegistry())

	pack := router.Execute(context.Background(), []StewardCall{{Name: "no.such.tool"}}, "run-1")

	if len(pack.ToolsUsed) != 1 || pack.ToolsUsed[0].Status != "rejected" {
		t.Fatalf("Records = %+v", pack.ToolsUsed)
	}
	if pack.Limits.CallsUsed != 0 {
		t.Errorf("CallsUsed = %d, want 0", pack.Limits.CallsUsed)
	}
}

func TestToolRouterPriorityOrder(t *testing.T) {
	urgent := &fakeTool{name: "test.urgent", output: "now"}
	casual := &fakeTool{name: "test.casual", output: "later"}
	registry := NewToolRegistry()
	registry.Register(casual)
	registry.Register(urgent)

	router := NewToolRouter(registry)
	router.MaxCallsPerRun = 1

	// Low-priority call listed first; the high-priority one must win the budget
	calls := []StewardCall{
		{Name: "test.casual", Priority: "low"},
		{Name: "test.urgent", Priority: "high"},
	}
	pack := router.Execute(context.Background(), calls, "run-1")

	if urgent.calls != 1 || casual.calls != 0 {
		t.Errorf("Executions: urgent=%d casual=%d, want 1/0", urgent.calls, casual.calls)
	}
	if pack.ToolsUsed[0].ToolName != "test.urgent" {
		t.Errorf("First record = %q, want test.urgent", pack.ToolsUsed[0].ToolName)
	}
}

func TestToolRouterFailedToolRecorded(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{name: "test.broken", err: errors.New("upstream down")})

	pack := NewToolRouter(registry).Execute(context.Background(), []StewardCall{{Name: "test.broken"}}, "run-1")

	if len(pack.ToolsUsed) != 1 || pack.ToolsUsed[0].Status != "failed" {
		t.Fatalf("Records = %+v", pack.ToolsUsed)
	}
	if !strings.Contains(pack.ToolsUsed[0].Summary, "upstream down") {
		t.Errorf("Summary = %q", pack.ToolsUsed[0].Summary)
	}
	// Failures don't consume the call budget
	if pack.Limits.CallsUsed != 0 {
		t.Errorf("CallsUsed = %d, want 0", pack.Limits.CallsUsed)
	}
}

func TestToolRouterEvidenceSizeCap(t *testing.T) {
	big := &fakeTool{name: "test.big", output: strings.Repeat("a", 500)}
	registry := NewToolRegistry()
	registry.Register(big)

	router := NewToolRouter(registry)
	router.MaxEvidenceChars = 400

	calls := []StewardCall{{Name: "test.big"}, {Name: "test.big"}}
	pack := router.Execute(context.Background(), calls, "run-1")

	// First call busts the cap; the second never runs
	if big.calls != 1 {
		t.Errorf("Tool executed %d times, want 1", big.calls)
	}
	if len(pack.Limits.LimitsTriggered) != 1 || pack.Limits.LimitsTriggered[0] != "max_evidence_size" {
		t.Errorf("LimitsTriggered = %v", pack.Limits.LimitsTriggered)
	}
}

func TestFormatEvidence(t *testing.T) {
	if FormatEvidence(nil) != "" {
		t.Error("Nil pack should render empty")
	}
	if FormatEvidence(&EvidencePack{RunID: "r"}) != "" {
		t.Error("Empty pack should render empty")
	}

	pack := &EvidencePack{
		RunID: "r",
		ToolsUsed: []ToolUsageRecord{
			{ToolName: "web.fetch", Status: "executed", Summary: "Go 1.25 released."},
			{ToolName: "web.fetch", Status: "failed", Summary: "Error: timeout"},
		},
	}
	rendered := FormatEvidence(pack)

	if !strings.Contains(rendered, "EVIDENCE FROM TOOL STEWARD:") {
		t.Errorf("Missing header: %q", rendered)
	}
	if !strings.Contains(rendered, "Go 1.25 released.") {
		t.Errorf("Missing executed summary: %q", rendered)
	}
	if !strings.Contains(rendered, "(failed)") {
		t.Errorf("Missing failure marker: %q", rendered)
	}
}

func TestGatherEvidenceExecutesRequestedTools(t *testing.T) {
	tool := &fakeTool{name: "test.lookup", output: "The answer is 42."}
	registry := NewToolRegistry()
	registry.Register(tool)

	server := MockOpenRouterServer(t, CreateMockOpenRouterHandler(t,
		`{"action": "use_tools", "reason": "needs lookup", "calls": [{"name": "test.lookup", "arguments": {"q": "answer"}}]}`))
	defer server.Close()

	oldURL, oldKey := OpenRouterAPIURL, OpenRouterAPIKey
	OpenRouterAPIURL = server.URL
	OpenRouterAPIKey = "test-key"
	defer func() { OpenRouterAPIURL, OpenRouterAPIKey = oldURL, oldKey }()

	steward := NewToolSteward(registry)
	pack, usage := steward.GatherEvidence(context.Background(), RequestContext{ChairmanModel: "test/chairman"}, "what is the answer?")

	if tool.calls != 1 {
		t.Errorf("Tool executed %d times, want 1", tool.calls)
	}
	if len(pack.ToolsUsed) != 1 || pack.ToolsUsed[0].Status != "executed" {
		t.Fatalf("ToolsUsed = %+v", pack.ToolsUsed)
	}
	if !strings.Contains(pack.ToolsUsed[0].Summary, "The answer is 42.") {
		t.Errorf("Summary = %q", pack.ToolsUsed[0].Summary)
	}
	if pack.Query != "what is the answer?" {
		t.Errorf("Query = %q", pack.Query)
	}
	if usage.TotalTokens == 0 {
		t.Error("Steward usage not captured")
	}
}

func TestGatherEvidenceNoToolsNeeded(t *testing.T) {
	tool := &fakeTool{name: "test.lookup", output: "x"}
	registry := NewToolRegistry()
	registry.Register(tool)

	server := MockOpenRouterServer(t, CreateMockOpenRouterHandler(t,
		`{"action": "no_tools", "reason": "chit-chat"}`))
	defer server.Close()

	oldURL, oldKey := OpenRouterAPIURL, OpenRouterAPIKey
	OpenRouterAPIURL = server.URL
	OpenRouterAPIKey = "test-key"
	defer func() { OpenRouterAPIURL, OpenRouterAPIKey = oldURL, oldKey }()

	pack, _ := NewToolSteward(registry).GatherEvidence(context.Background(), RequestContext{ChairmanModel: "test/chairman"}, "hello!")

	if tool.calls != 0 {
		t.Errorf("Tool executed %d times, want 0", tool.calls)
	}
	if len(pack.ToolsUsed) != 0 {
		t.Errorf("ToolsUsed = %+v", pack.ToolsUsed)
	}
	if FormatEvidence(pack) != "" {
		t.Error("Empty pack should render no evidence block")
	}
}

func TestGatherEvidenceStewardModelFailure(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{name: "test.lookup", output: "x"})

	server := MockOpenRouterServer(t, CreateMockOpenRouterErrorHandler(400, "nope"))
	defer server.Close()

	oldURL, oldKey := OpenRouterAPIURL, OpenRouterAPIKey
	OpenRouterAPIURL = server.URL
	OpenRouterAPIKey = "test-key"
	defer func() { OpenRouterAPIURL, OpenRouterAPIKey = oldURL, oldKey }()

	pack, usage := NewToolSteward(registry).GatherEvidence(context.Background(), RequestContext{ChairmanModel: "test/chairman"}, "anything")

	if len(pack.ToolsUsed) != 0 {
		t.Errorf("ToolsUsed = %+v", pack.ToolsUsed)
	}
	if usage.TotalTokens != 0 {
		t.Errorf("Usage = %+v, want zero", usage)
	}
}

func TestToolRegistryPromptFormat(t *testing.T) {
	registry := NewToolRegistry()
	if registry.PromptFormat() != "No tools available." {
		t.Errorf("Empty registry prompt = %q", registry.PromptFormat())
	}

	registry.Register(NewWebFetchTool(nil))
	rendered := registry.PromptFormat()
	if !strings.Contains(rendered, "web.fetch") || !strings.Contains(rendered, `{"url": "https://..."}`) {
		t.Errorf("Prompt = %q", rendered)
	}
}

func TestWebFetchToolExtractsText(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><style>body { color: red }</style></head>
<body><h1>Release Notes</h1><script>var secret = "tracking";</script>
<p>Go 1.25 adds   new runtime diagnostics.</p></body></html>`)
	}))
	defer page.Close()

	tool := NewWebFetchTool(page.Client())
	text, err := tool.Execute(context.Background(), map[string]interface{}{"url": page.URL})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !strings.Contains(text, "Release Notes") || !strings.Contains(text, "Go 1.25 adds new runtime diagnostics.") {
		t.Errorf("Extracted text = %q", text)
	}
	if strings.Contains(text, "tracking") || strings.Contains(text, "color: red") {
		t.Errorf("Script/style content leaked: %q", text)
	}
}

func TestWebFetchToolRejectsBadInput(t *testing.T) {
	tool := NewWebFetchTool(nil)

	if _, err := tool.Execute(context.Background(), map[string]interface{}{"url": "ftp://example.com"}); err == nil {
		t.Error("Expected error for non-http scheme")
	}
	if _, err := tool.Execute(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("Expected error for missing url")
	}
}

func TestWebFetchToolNonOKStatus(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer page.Close()

	tool := NewWebFetchTool(page.Client())
	if _, err := tool.Execute(context.Background(), map[string]interface{}{"url": page.URL}); err == nil {
		t.Error("Expected error for 404")
	}
}
