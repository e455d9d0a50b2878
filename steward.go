package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ToolDefinition describes a registered tool for the steward prompt.
type ToolDefinition struct {
	Name        string
	Description string
	ArgsHint    string // rendered argument shape, e.g. {"url": "https://..."}
	Examples    []string
}

// Tool is one capability the steward can invoke before the council convenes.
type Tool interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ToolRegistry holds the tools available to the steward. Registration order
// drives prompt rendering, so the steward sees a stable tool list.
type ToolRegistry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Definition().Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// PromptFormat renders the registered tools for the steward prompt.
func (r *ToolRegistry) PromptFormat() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return "No tools available."
	}

	var b strings.Builder
	b.WriteString("Available Tools:\n")
	for _, name := range r.order {
		def := r.tools[name].Definition()
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
		fmt.Fprintf(&b, "  Arguments: %s\n", def.ArgsHint)
		if len(def.Examples) > 0 {
			fmt.Fprintf(&b, "  Example intents: %s\n", strings.Join(def.Examples, ", "))
		}
	}
	return b.String()
}

// StewardCall is one tool invocation requested by the steward model.
type StewardCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Purpose   string                 `json:"purpose,omitempty"`
	Priority  string                 `json:"priority,omitempty"` // high | normal | low
}

// StewardDecision is the parsed JSON the steward model returns.
type StewardDecision struct {
	Action string        `json:"action"` // use_tools | no_tools
	Reason string        `json:"reason,omitempty"`
	Calls  []StewardCall `json:"calls,omitempty"`
}

var markdownFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ParseStewardDecision extracts the decision JSON from a model response that
// may wrap it in markdown fences or surrounding prose. Anything unparseable
// degrades to no_tools; the steward never blocks a turn on bad output.
func ParseStewardDecision(text string) StewardDecision {
	clean := text
	if m := markdownFencePattern.FindStringSubmatch(text); m != nil {
		clean = m[1]
	}

	start := strings.Index(clean, "{")
	end := strings.LastIndex(clean, "}")
	if start == -1 || end <= start {
		return StewardDecision{Action: "no_tools", Reason: "no JSON in steward output"}
	}

	var decision StewardDecision
	if err := json.Unmarshal([]byte(clean[start:end+1]), &decision); err != nil {
		return StewardDecision{Action: "no_tools", Reason: "steward output was not valid JSON"}
	}

	if decision.Action == "" {
		// Calls without an action mean the model skipped the envelope
		if len(decision.Calls) > 0 {
			decision.Action = "use_tools"
		} else {
			decision.Action = "no_tools"
			decision.Reason = "missing action field"
		}
	}
	return decision
}

// ToolUsageRecord is one tool execution (or rejection) in the evidence pack.
type ToolUsageRecord struct {
	CallID    string                 `json:"call_id"`
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Status    string                 `json:"status"` // executed | rejected | failed
	Summary   string                 `json:"summary"`
}

// UsageLimits reports how the router's budget enforcement played out.
type UsageLimits struct {
	MaxCalls        int      `json:"max_calls"`
	CallsUsed       int      `json:"calls_used"`
	LimitsTriggered []string `json:"limits_triggered,omitempty"`
}

// EvidencePack is the interface between the steward phase and Stage 1.
type EvidencePack struct {
	RunID     string            `json:"run_id"`
	Query     string            `json:"query"`
	ToolsUsed []ToolUsageRecord `json:"tools_used"`
	Limits    UsageLimits       `json:"limits"`
}

// ToolRouter executes steward calls under a per-run call budget, an
// optional allowlist, and an evidence size cap. Enforcement is
// deterministic: calls run in priority order, then request order.
type ToolRouter struct {
	Registry         *ToolRegistry
	Allowlist        []string // empty allows every registered tool
	MaxCallsPerRun   int
	MaxEvidenceChars int
}

func NewToolRouter(registry *ToolRegistry) *ToolRouter {
	return &ToolRouter{
		Registry:         registry,
		MaxCallsPerRun:   MaxToolCallsPerRun,
		MaxEvidenceChars: MaxEvidenceChars,
	}
}

var priorityRank = map[string]int{"high": 0, "": 1, "normal": 1, "low": 2}

// Execute runs a batch of steward calls and packages the results.
func (r *ToolRouter) Execute(ctx context.Context, calls []StewardCall, runID string) *EvidencePack {
	sorted := make([]StewardCall, len(calls))
	copy(sorted, calls)
	sort.SliceStable(sorted, func(i, j int) bool {
		return priorityRank[sorted[i].Priority] < priorityRank[sorted[j].Priority]
	})

	pack := &EvidencePack{
		RunID:  runID,
		Limits: UsageLimits{MaxCalls: r.MaxCallsPerRun},
	}
	limitsTriggered := map[string]bool{}
	evidenceChars := 0

	for _, call := range sorted {
		record := ToolUsageRecord{
			CallID:    uuid.New().String(),
			ToolName:  call.Name,
			Arguments: call.Arguments,
		}

		if pack.Limits.CallsUsed >= r.MaxCallsPerRun {
			log.Printf("[STEWARD] call budget exhausted, rejecting %s", call.Name)
			record.Status = "rejected"
			record.Summary = "Call rejected: budget_exceeded"
			limitsTriggered["max_calls_per_run"] = true
			pack.ToolsUsed = append(pack.ToolsUsed, record)
			continue
		}
		if len(r.Allowlist) > 0 && !contains(r.Allowlist, call.Name) {
			log.Printf("[STEWARD] tool %s not in allowlist", call.Name)
			record.Status = "rejected"
			record.Summary = "Call rejected: access_denied"
			pack.ToolsUsed = append(pack.ToolsUsed, record)
			continue
		}
		tool, ok := r.Registry.Lookup(call.Name)
		if !ok {
			log.Printf("[STEWARD] tool %s not registered", call.Name)
			record.Status = "rejected"
			record.Summary = "Call rejected: unknown_tool"
			pack.ToolsUsed = append(pack.ToolsUsed, record)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, ToolCallTimeout)
		output, err := tool.Execute(callCtx, call.Arguments)
		cancel()
		if err != nil {
			log.Printf("[STEWARD] tool %s failed: %v", call.Name, err)
			record.Status = "failed"
			record.Summary = fmt.Sprintf("Error: %v", err)
			pack.ToolsUsed = append(pack.ToolsUsed, record)
			continue
		}

		if len(output) > MaxToolOutputChars {
			output = output[:MaxToolOutputChars] + "... [TRUNCATED]"
		}
		record.Status = "executed"
		record.Summary = output
		pack.ToolsUsed = append(pack.ToolsUsed, record)
		pack.Limits.CallsUsed++

		evidenceChars += len(output)
		if evidenceChars >= r.MaxEvidenceChars {
			limitsTriggered["max_evidence_size"] = true
			break
		}
	}

	for limit := range limitsTriggered {
		pack.Limits.LimitsTriggered = append(pack.Limits.LimitsTriggered, limit)
	}
	sort.Strings(pack.Limits.LimitsTriggered)
	return pack
}

func contains(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}

// FormatEvidence renders an evidence pack for the Stage 1 prompt. Empty when
// the steward ran no tools.
func FormatEvidence(pack *EvidencePack) string {
	if pack == nil || len(pack.ToolsUsed) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("EVIDENCE FROM TOOL STEWARD:\n")
	for _, record := range pack.ToolsUsed {
		if record.Status == "executed" {
			fmt.Fprintf(&b, "- %s: %s\n", record.ToolName, record.Summary)
		} else {
			fmt.Fprintf(&b, "- %s (%s): %s\n", record.ToolName, record.Status, record.Summary)
		}
	}
	b.WriteString("\nINSTRUCTIONS FOR EVIDENCE:\n")
	b.WriteString("1. Use the facts above when they answer the question.\n")
	b.WriteString("2. If the evidence is insufficient, say what is unknown instead of guessing.")
	return b.String()
}

// ToolSteward runs the pre-council phase: ask the chairman model which tools
// the question needs, execute them through the router, and package the
// output as evidence for Stage 1. Every failure degrades to an empty pack;
// the steward never fails a turn.
type ToolSteward struct {
	Registry *ToolRegistry
	Router   *ToolRouter
}

func NewToolSteward(registry *ToolRegistry) *ToolSteward {
	return &ToolSteward{Registry: registry, Router: NewToolRouter(registry)}
}

func (s *ToolSteward) buildPrompt(userQuery string) string {
	return fmt.Sprintf(`You are the Tool Steward for an AI Council.
Your job is to decide if tools are needed to answer the user's question, and if so, which ones.

User Question: %s

%s
INSTRUCTIONS:
1. Analyze the question.
2. Select the most relevant tools from the list above.
3. Return a JSON object with your decision.

FORMAT (JSON ONLY):
{
  "action": "use_tools" | "no_tools",
  "reason": "Why you made this decision",
  "calls": [
    {
      "name": "tool.name",
      "arguments": { "arg": "value" },
      "purpose": "Why this specific call is needed",
      "priority": "high" | "normal" | "low"
    }
  ]
}

If no tools are needed (e.g., for general chit-chat or pure logic questions), return action="no_tools".`,
		userQuery, s.Registry.PromptFormat())
}

// GatherEvidence runs the steward phase for one turn and returns the
// evidence pack plus the steward model's token usage.
func (s *ToolSteward) GatherEvidence(ctx context.Context, rc RequestContext, userQuery string) (*EvidencePack, TokenUsage) {
	runID := uuid.New().String()
	empty := &EvidencePack{RunID: runID, Query: userQuery, Limits: UsageLimits{MaxCalls: s.Router.MaxCallsPerRun}}

	messages := []OpenRouterMessage{
		{Role: "user", Content: s.buildPrompt(userQuery)},
	}
	response, err := QueryModel(ctx, rc.ChairmanModel, messages, StewardTimeout)
	if err != nil {
		log.Printf("[STEWARD] model call failed, continuing without evidence: %v", err)
		return empty, TokenUsage{}
	}

	decision := ParseStewardDecision(response.Content)
	if decision.Action != "use_tools" || len(decision.Calls) == 0 {
		log.Printf("[STEWARD] no tools needed (%s)", decision.Reason)
		return empty, response.Usage
	}

	log.Printf("[STEWARD] executing %d tool calls", len(decision.Calls))
	pack := s.Router.Execute(ctx, decision.Calls, runID)
	pack.Query = userQuery
	return pack, response.Usage
}
