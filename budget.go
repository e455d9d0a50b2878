package main

import (
	"fmt"
	"strings"
)

// RunPlan is the budget router's decision for one turn: which execution mode
// to run, how much retrieval context to allow, and which model tier the
// chairman should come from. It is advice attached to the turn, never a veto.
type RunPlan struct {
	Mode          string   `json:"mode"`           // research | standard | quick
	ContextPreset string   `json:"context_preset"` // low | medium | high | max
	ContextTokens int      `json:"context_tokens"`
	ModelTier     string   `json:"model_tier"` // budget | mid | premium
	PredictedCost float64  `json:"predicted_cost"`
	PolicyReason  string   `json:"policy_reason"`
	TaskSignal    string   `json:"task_signal"`
	BudgetPct     *float64 `json:"budget_pct,omitempty"`
}

// DetectTaskSignal classifies a query as research, quick, or standard from
// surface features only: keywords, length, attachments. Research outranks
// quick when both match.
func DetectTaskSignal(content string, hasFiles bool) string {
	lowered := strings.ToLower(content)

	for _, kw := range ResearchKeywords {
		if strings.Contains(lowered, kw) {
			return "research"
		}
	}
	if len(content) > ResearchQueryLength || hasFiles {
		return "research"
	}

	for _, kw := range QuickKeywords {
		if strings.Contains(lowered, kw) {
			return "quick"
		}
	}

	return "standard"
}

// planForSignal is the unconstrained mapping from task signal to plan shape.
func planForSignal(signal string) (mode, preset, tier string) {
	switch signal {
	case "research":
		return "research", "high", "premium"
	case "quick":
		return "quick", "low", "budget"
	default:
		return "standard", "medium", "mid"
	}
}

// EstimateTurnCost predicts the USD cost of a full council turn: every
// member answers and ranks, the chairman synthesizes. Token counts are
// rough per-stage shapes; registry pricing converts to dollars. Retrieval
// context inflates the prompt side.
func EstimateTurnCost(councilModels []string, chairmanModel string, contextTokens int) float64 {
	// Per-stage shape: stage 1 prompt ~= query + context, output ~800;
	// stage 2 prompt carries all stage 1 answers, output ~600; stage 3
	// prompt carries everything, output ~1000.
	memberCount := len(councilModels)
	stage1Prompt := 500 + contextTokens
	stage2Prompt := 500 + memberCount*800
	stage3Prompt := 500 + memberCount*(800+600)

	total := 0.0
	for _, model := range councilModels {
		total += CostOfUsage(model, TokenUsage{PromptTokens: stage1Prompt, CompletionTokens: 800})
		total += CostOfUsage(model, TokenUsage{PromptTokens: stage2Prompt, CompletionTokens: 600})
	}
	total += CostOfUsage(chairmanModel, TokenUsage{PromptTokens: stage3Prompt, CompletionTokens: 1000})
	return total
}

// EstimateChatCost predicts the USD cost of a single chairman chat turn.
func EstimateChatCost(chairmanModel string, contextTokens int) float64 {
	return CostOfUsage(chairmanModel, TokenUsage{
		PromptTokens:     500 + contextTokens,
		CompletionTokens: 800,
	})
}

// PlanRun decides the execution plan for a turn. Pure function of its
// arguments: same policy, usage, and signal always produce the same plan.
// The router only degrades, it never rejects; with no budget set the plan
// follows the task signal alone. Spend brackets:
//
//	ratio <= 0.70  plan from task signal
//	ratio <= 0.85  standard / medium context / mid tier
//	ratio <= 1.00  quick / low context / budget tier
//	ratio  > 1.00  quick / low context / budget tier (overage noted)
func PlanRun(policy *SessionPolicy, usage SessionUsage, taskSignal string) RunPlan {
	mode, preset, tier := planForSignal(taskSignal)

	plan := RunPlan{
		Mode:          mode,
		ContextPreset: preset,
		ModelTier:     tier,
		TaskSignal:    taskSignal,
		PolicyReason:  "no budget set; plan follows task signal",
	}

	if policy != nil && policy.BudgetUSD != nil && *policy.BudgetUSD > 0 {
		ratio := usage.SpentUSD / *policy.BudgetUSD
		pct := ratio
		plan.BudgetPct = &pct

		switch {
		case ratio <= 0.70:
			plan.PolicyReason = fmt.Sprintf("spend at %.0f%% of budget; plan follows task signal", ratio*100)
		case ratio <= 0.85:
			plan.Mode = "standard"
			plan.ContextPreset = "medium"
			plan.ModelTier = "mid"
			plan.PolicyReason = fmt.Sprintf("spend at %.0f%% of budget; pinned to standard execution", ratio*100)
		case ratio <= 1.00:
			plan.Mode = "quick"
			plan.ContextPreset = "low"
			plan.ModelTier = "budget"
			plan.PolicyReason = fmt.Sprintf("spend at %.0f%% of budget; degraded to quick execution", ratio*100)
		default:
			plan.Mode = "quick"
			plan.ContextPreset = "low"
			plan.ModelTier = "budget"
			plan.PolicyReason = fmt.Sprintf("budget exceeded (%.0f%%); running most frugal plan", ratio*100)
		}
	}

	plan.ContextTokens = ContextPresets[plan.ContextPreset]
	if plan.ContextTokens == 0 || plan.ContextTokens > AbsoluteMaxContextTokens {
		plan.ContextTokens = ContextPresets["low"]
	}

	return plan
}

// CheckBudgetWarning reports the highest newly-crossed notify threshold, or
// nil when no new threshold was crossed. Each level fires at most once per
// conversation; LastWarningLevel in the usage record is the high-water mark.
func CheckBudgetWarning(policy *SessionPolicy, usage SessionUsage) *float64 {
	if policy == nil || policy.BudgetUSD == nil || *policy.BudgetUSD <= 0 {
		return nil
	}

	ratio := usage.SpentUSD / *policy.BudgetUSD

	var crossed *float64
	for _, threshold := range policy.NotifyThresholds {
		t := threshold
		if ratio >= t {
			if crossed == nil || t > *crossed {
				crossed = &t
			}
		}
	}

	if crossed == nil {
		return nil
	}
	if usage.LastWarningLevel != nil && *usage.LastWarningLevel >= *crossed {
		return nil
	}
	return crossed
}

// FormatBudgetWarning renders a budget_warning payload message.
func FormatBudgetWarning(level float64, policy *SessionPolicy, usage SessionUsage) string {
	return fmt.Sprintf("Session spend $%.4f has reached %.0f%% of the $%.2f budget",
		usage.SpentUSD, level*100, *policy.BudgetUSD)
}
