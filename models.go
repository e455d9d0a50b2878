package main

import (
	"context"
	"time"
)

// TokenUsage mirrors the usage block OpenRouter returns per completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of two usage records.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// Message represents a single message in a conversation.
// Council turns carry the three stage payloads; chat turns carry Content
// (and optionally Reasoning) only.
type Message struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	Stage1    []Stage1Response `json:"stage1,omitempty"`
	Stage2    []Stage2Ranking  `json:"stage2,omitempty"`
	Stage3    *Stage3Result    `json:"stage3,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
	Metadata  *TurnMetadata    `json:"metadata,omitempty"`
	Cost      float64          `json:"cost,omitempty"`
}

// Conversation represents a full conversation with all messages.
type Conversation struct {
	ID            string         `json:"id"`
	CreatedAt     time.Time      `json:"created_at"`
	Title         string         `json:"title"`
	Messages      []Message      `json:"messages"`
	CouncilModels []string       `json:"council_models,omitempty"`
	ChairmanModel string         `json:"chairman_model,omitempty"`
	TotalCost     float64        `json:"total_cost"`
	SessionPolicy *SessionPolicy `json:"session_policy,omitempty"`
	SessionUsage  SessionUsage   `json:"session_usage"`
}

// ConversationMetadata represents conversation list metadata.
type ConversationMetadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	TotalCost    float64   `json:"total_cost"`
}

// Stage1Response represents a single model's response in Stage 1.
type Stage1Response struct {
	Model    string     `json:"model"`
	Response string     `json:"response"`
	Usage    TokenUsage `json:"usage"`
}

// Stage2Ranking represents a model's ranking of the anonymized responses.
type Stage2Ranking struct {
	Model         string     `json:"model"`
	Ranking       string     `json:"ranking"`
	ParsedRanking []string   `json:"parsed_ranking"`
	Usage         TokenUsage `json:"usage"`
}

// Stage3Result represents the chairman's final synthesis.
type Stage3Result struct {
	Model        string     `json:"model"`
	Response     string     `json:"response"`
	Confidence   string     `json:"confidence"`
	AvgConsensus float64    `json:"avg_consensus"`
	Usage        TokenUsage `json:"usage"`
}

// ChatResult is the chairman's answer in the follow-up chat pipeline.
type ChatResult struct {
	Content   string     `json:"content"`
	Reasoning string     `json:"reasoning,omitempty"`
	Usage     TokenUsage `json:"usage"`
}

// AggregateRanking represents the aggregate ranking across all evaluators.
// Unranked marks models that received zero valid mentions; they carry no
// synthetic average and sort after every ranked model.
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
	Unranked      bool    `json:"unranked,omitempty"`
}

// QualityMetrics holds the per-model consensus inputs for confidence scoring.
type QualityMetrics struct {
	AvgRank        float64 `json:"avg_rank"`
	ConsensusScore float64 `json:"consensus_score"`
	NumRankings    int     `json:"num_rankings"`
}

// TurnMetadata is persisted alongside an assistant turn so the UI can
// de-anonymize labels and show the routing decision.
type TurnMetadata struct {
	LabelToModel      map[string]string  `json:"label_to_model,omitempty"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings,omitempty"`
	RunPlan           *RunPlan           `json:"run_plan,omitempty"`
}

// SessionPolicy is the per-conversation budget policy. A nil BudgetUSD means
// unconstrained spend.
type SessionPolicy struct {
	BudgetUSD        *float64  `json:"budget_usd"`
	NotifyThresholds []float64 `json:"notify_thresholds"`
	Mode             string    `json:"mode"`
	AllowOverage     bool      `json:"allow_overage"`
}

// SessionUsage accumulates spend across a conversation. It only ever grows.
type SessionUsage struct {
	SpentUSD         float64  `json:"spent_usd"`
	Messages         int      `json:"messages"`
	LastWarningLevel *float64 `json:"last_warning_level,omitempty"`
}

// RequestContext carries everything a single turn needs across call
// boundaries: no component reads ambient/global per-request state.
type RequestContext struct {
	ConversationID     string
	TurnIndex          int
	CouncilModels      []string
	ChairmanModel      string
	Plan               RunPlan
	IncludeSelfRanking bool
	AttachmentText     string
	EvidenceText       string
}

// AttachmentExtractor is the external collaborator that turns an attachment
// id into extracted text. The engine only consumes this interface.
type AttachmentExtractor interface {
	Extract(ctx context.Context, attachmentID string) (string, error)
}

// OpenRouterMessage represents a message for the OpenRouter API.
type OpenRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenRouterRequest represents a request to the OpenRouter API.
type OpenRouterRequest struct {
	Model    string              `json:"model"`
	Messages []OpenRouterMessage `json:"messages"`
}

// OpenRouterResponse is the slice of an API response the engine keeps.
type OpenRouterResponse struct {
	Content          string      `json:"content"`
	ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
	Usage            TokenUsage  `json:"usage"`
}

// OpenRouterAPIResponse represents the full API response structure.
type OpenRouterAPIResponse struct {
	Choices []struct {
		Message struct {
			Content          string      `json:"content"`
			ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

// CreateConversationRequest optionally pins the council composition.
type CreateConversationRequest struct {
	CouncilModels []string `json:"council_members,omitempty"`
	ChairmanModel string   `json:"chairman_model,omitempty"`
}

// SendMessageRequest represents a request to send a message.
// Mode is "auto" (structural: council on first message, chat after),
// or "council" / "chat" to force a pipeline.
type SendMessageRequest struct {
	Content       string   `json:"content"`
	Mode          string   `json:"mode,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

// SetPolicyRequest updates a conversation's session budget policy.
type SetPolicyRequest struct {
	BudgetUSD        *float64  `json:"budget_usd"`
	NotifyThresholds []float64 `json:"notify_thresholds,omitempty"`
	AllowOverage     *bool     `json:"allow_overage,omitempty"`
}

// SendMessageResponse represents the non-streaming council response.
type SendMessageResponse struct {
	Type     string           `json:"type"`
	Stage1   []Stage1Response `json:"stage1,omitempty"`
	Stage2   []Stage2Ranking  `json:"stage2,omitempty"`
	Stage3   *Stage3Result    `json:"stage3,omitempty"`
	Content  string           `json:"content,omitempty"`
	Metadata *TurnMetadata    `json:"metadata,omitempty"`
}
