package main

import (
	"context"
	"fmt"
	"log"
)

// TurnState tracks where a turn is in its pipeline. ERROR and COMPLETE are
// terminal; no events follow them.
type TurnState string

const (
	StateIdle           TurnState = "IDLE"
	StateStewardRunning TurnState = "STEWARD_RUNNING"
	StateStage1Running  TurnState = "STAGE1_RUNNING"
	StateStage2Running TurnState = "STAGE2_RUNNING"
	StateStage3Running TurnState = "STAGE3_RUNNING"
	StateRewriting     TurnState = "REWRITING"
	StateRetrieving    TurnState = "RETRIEVING"
	StateChatRunning   TurnState = "CHAT_RUNNING"
	StateIndexed       TurnState = "INDEXED"
	StateComplete      TurnState = "COMPLETE"
	StateError         TurnState = "ERROR"
)

// TurnEvent is one unit of the streamed turn protocol. Exactly one writer
// (the pipeline goroutine) produces events; the channel closes after the
// terminal complete or error event.
type TurnEvent struct {
	Type     string        `json:"type"`
	Data     interface{}   `json:"data,omitempty"`
	Metadata *TurnMetadata `json:"metadata,omitempty"`
	Message  string        `json:"message,omitempty"`
	Title    string        `json:"title,omitempty"`
}

// TurnCompleteData is the payload of the terminal complete event.
type TurnCompleteData struct {
	TotalCost float64 `json:"total_cost"`
}

// Orchestrator runs turns against storage and the retrieval index. The
// attachment extractor is optional; without one, attachment ids are ignored.
// A nil Steward skips the tool phase.
type Orchestrator struct {
	Index     *ChunkIndex
	Extractor AttachmentExtractor
	Steward   *ToolSteward
}

func NewOrchestrator(index *ChunkIndex, extractor AttachmentExtractor) *Orchestrator {
	return &Orchestrator{Index: index, Extractor: extractor}
}

// RunTurn executes one full turn and streams its events. The returned
// channel is buffered and closed by the pipeline; the pipeline runs on a
// background context so a disconnected client never cancels model calls
// mid-council. Callers that stop reading must drain the channel.
func (o *Orchestrator) RunTurn(conversationID string, req SendMessageRequest) <-chan TurnEvent {
	events := make(chan TurnEvent, 32)
	go func() {
		defer close(events)
		o.runTurn(context.Background(), conversationID, req, events)
	}()
	return events
}

func (o *Orchestrator) setState(conversationID string, state TurnState) {
	log.Printf("[TURN] %s -> %s", conversationID, state)
}

func (o *Orchestrator) fail(conversationID string, events chan<- TurnEvent, err error) {
	o.setState(conversationID, StateError)
	log.Printf("[TURN] %s failed: %v", conversationID, err)
	events <- TurnEvent{Type: "error", Message: err.Error()}
}

func (o *Orchestrator) runTurn(ctx context.Context, conversationID string, req SendMessageRequest, events chan<- TurnEvent) {
	o.setState(conversationID, StateIdle)

	conversation, err := GetConversation(conversationID)
	if err != nil {
		o.fail(conversationID, events, err)
		return
	}
	if conversation == nil {
		o.fail(conversationID, events, fmt.Errorf("conversation %s not found", conversationID))
		return
	}

	// Mode resolution is structural: the council deliberates the opening
	// question, the chairman alone handles follow-ups. An explicit mode in
	// the request overrides.
	mode := req.Mode
	if mode == "" || mode == "auto" {
		if len(conversation.Messages) == 0 {
			mode = "council"
		} else {
			mode = "chat"
		}
	}

	attachmentText, err := o.extractAttachments(ctx, req.AttachmentIDs)
	if err != nil {
		o.fail(conversationID, events, err)
		return
	}

	policy := conversation.SessionPolicy
	if policy == nil {
		policy = DefaultSessionPolicy()
	}
	taskSignal := DetectTaskSignal(req.Content, len(req.AttachmentIDs) > 0)
	plan := PlanRun(policy, conversation.SessionUsage, taskSignal)
	log.Printf("[PLAN] %s mode=%s context=%s tier=%s (%s)", conversationID, plan.Mode, plan.ContextPreset, plan.ModelTier, plan.PolicyReason)

	rc := RequestContext{
		ConversationID:     conversationID,
		TurnIndex:          len(conversation.Messages) / 2,
		CouncilModels:      conversation.CouncilModels,
		ChairmanModel:      SelectChairmanForTier(plan.ModelTier, conversation.ChairmanModel),
		Plan:               plan,
		IncludeSelfRanking: IncludeSelfRanking,
		AttachmentText:     attachmentText,
	}
	if len(rc.CouncilModels) == 0 {
		rc.CouncilModels = CouncilModels
	}
	if rc.ChairmanModel == "" {
		rc.ChairmanModel = ChairmanModel
	}
	if mode == "council" {
		rc.Plan.PredictedCost = EstimateTurnCost(rc.CouncilModels, rc.ChairmanModel, rc.Plan.ContextTokens)
	} else {
		rc.Plan.PredictedCost = EstimateChatCost(rc.ChairmanModel, rc.Plan.ContextTokens)
	}

	// Title generation runs concurrent with the pipeline on first turn.
	var titleCh chan string
	if len(conversation.Messages) == 0 {
		titleCh = make(chan string, 1)
		go func() {
			title, err := GenerateConversationTitle(ctx, req.Content)
			if err != nil {
				log.Printf("[TITLE] generation failed: %v", err)
				titleCh <- ""
				return
			}
			titleCh <- title
		}()
	}

	var cost float64
	switch mode {
	case "council":
		cost, err = o.runCouncilTurn(ctx, rc, conversation, req.Content, events)
	case "chat":
		cost, err = o.runChatTurn(ctx, rc, conversation, req.Content, events)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		o.fail(conversationID, events, err)
		return
	}

	if titleCh != nil {
		if title := <-titleCh; title != "" {
			if err := UpdateConversationTitle(conversationID, title); err != nil {
				log.Printf("[TITLE] save failed: %v", err)
			} else {
				events <- TurnEvent{Type: "title_complete", Title: title}
			}
		}
	}

	// Warning check runs against post-turn spend; each threshold fires once.
	projected := conversation.SessionUsage
	projected.SpentUSD += cost
	projected.Messages++
	if level := CheckBudgetWarning(policy, projected); level != nil {
		if err := RecordWarningLevel(conversationID, *level); err != nil {
			log.Printf("[BUDGET] failed to record warning level: %v", err)
		}
		events <- TurnEvent{Type: "budget_warning", Message: FormatBudgetWarning(*level, policy, projected)}
	}

	o.setState(conversationID, StateComplete)
	events <- TurnEvent{Type: "complete", Data: &TurnCompleteData{TotalCost: conversation.TotalCost + cost}}
}

func (o *Orchestrator) extractAttachments(ctx context.Context, ids []string) (string, error) {
	if len(ids) == 0 || o.Extractor == nil {
		return "", nil
	}
	var combined string
	for _, id := range ids {
		text, err := o.Extractor.Extract(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to extract attachment %s: %w", id, err)
		}
		if combined != "" {
			combined += "\n\n"
		}
		combined += text
	}
	return combined, nil
}

// runCouncilTurn drives the three-stage pipeline. A turn that fails before
// Stage 3 completes persists nothing; degradation inside a stage (some
// members failing) is not fatal as long as at least one answer survives.
func (o *Orchestrator) runCouncilTurn(ctx context.Context, rc RequestContext, conversation *Conversation, userContent string, events chan<- TurnEvent) (float64, error) {
	// Tool phase first: the steward gathers evidence the whole council sees.
	// Best-effort; an empty pack just means an evidence-free deliberation.
	var stewardCost float64
	if o.Steward != nil {
		o.setState(rc.ConversationID, StateStewardRunning)
		events <- TurnEvent{Type: "steward_start"}
		pack, usage := o.Steward.GatherEvidence(ctx, rc, userContent)
		rc.EvidenceText = FormatEvidence(pack)
		stewardCost = CostOfUsage(rc.ChairmanModel, usage)
		events <- TurnEvent{Type: "steward_complete", Data: pack}
	}

	o.setState(rc.ConversationID, StateStage1Running)
	events <- TurnEvent{Type: "stage1_start"}

	stage1, err := Stage1CollectResponses(ctx, rc, userContent)
	if err != nil {
		return 0, err
	}
	if len(stage1) == 0 {
		return 0, fmt.Errorf("all council models failed in stage 1")
	}
	events <- TurnEvent{Type: "stage1_complete", Data: stage1}

	o.setState(rc.ConversationID, StateStage2Running)
	events <- TurnEvent{Type: "stage2_start"}

	stage2, anon, err := Stage2CollectRankings(ctx, rc, userContent, stage1)
	if err != nil {
		return 0, err
	}
	metrics := CalculateQualityMetrics(stage2, anon)
	metadata := &TurnMetadata{
		LabelToModel:      anon.LabelToModel(),
		AggregateRankings: CalculateAggregateRankings(stage2, anon),
		RunPlan:           &rc.Plan,
	}
	events <- TurnEvent{Type: "stage2_complete", Data: stage2, Metadata: metadata}

	o.setState(rc.ConversationID, StateStage3Running)
	events <- TurnEvent{Type: "stage3_start"}

	stage3, err := Stage3SynthesizeFinal(ctx, rc, userContent, stage1, stage2, anon, metrics)
	if err != nil {
		return 0, err
	}
	events <- TurnEvent{Type: "stage3_complete", Data: stage3}

	cost := councilTurnCost(stage1, stage2, stage3) + stewardCost

	if err := AddCouncilTurn(rc.ConversationID, userContent, stage1, stage2, stage3, metadata, cost); err != nil {
		return 0, fmt.Errorf("failed to persist turn: %w", err)
	}

	// Index failures don't fail the turn; the conversation record is the
	// source of truth and the index can be rebuilt from it.
	if err := o.Index.IndexTurn(rc.ConversationID, rc.TurnIndex, userContent, stage1, stage2, stage3); err != nil {
		log.Printf("[INDEX] failed to index turn: %v", err)
	} else {
		o.setState(rc.ConversationID, StateIndexed)
	}

	return cost, nil
}

// runChatTurn drives the follow-up pipeline: rewrite, retrieve, answer.
func (o *Orchestrator) runChatTurn(ctx context.Context, rc RequestContext, conversation *Conversation, userContent string, events chan<- TurnEvent) (float64, error) {
	o.setState(rc.ConversationID, StateRewriting)
	query := RewriteQuery(ctx, userContent, lastSynthesis(conversation))
	if query != userContent {
		log.Printf("[REWRITE] %q -> %q", userContent, query)
	}

	o.setState(rc.ConversationID, StateRetrieving)
	chunks, err := o.Index.Retrieve(query, rc.ConversationID, rc.Plan.ContextTokens)
	if err != nil {
		log.Printf("[RETRIEVE] failed, continuing without context: %v", err)
		chunks = nil
	}

	o.setState(rc.ConversationID, StateChatRunning)
	events <- TurnEvent{Type: "chat_start"}

	result, err := ChatWithChairman(ctx, rc, userContent, conversation.Messages, FormatChunks(chunks))
	if err != nil {
		return 0, err
	}

	metadata := &TurnMetadata{RunPlan: &rc.Plan}
	events <- TurnEvent{Type: "chat_response", Data: result, Metadata: metadata}

	cost := CostOfUsage(rc.ChairmanModel, result.Usage)

	if err := AddChatTurn(rc.ConversationID, userContent, result, metadata, cost); err != nil {
		return 0, fmt.Errorf("failed to persist turn: %w", err)
	}

	if err := o.Index.IndexChatTurn(rc.ConversationID, rc.TurnIndex, userContent, result.Content); err != nil {
		log.Printf("[INDEX] failed to index chat turn: %v", err)
	} else {
		o.setState(rc.ConversationID, StateIndexed)
	}

	return cost, nil
}

// lastSynthesis returns the most recent assistant answer, preferring the
// council synthesis over chat content. Empty when no assistant turn exists.
func lastSynthesis(conversation *Conversation) string {
	for i := len(conversation.Messages) - 1; i >= 0; i-- {
		msg := conversation.Messages[i]
		if msg.Role != "assistant" {
			continue
		}
		if msg.Stage3 != nil {
			return msg.Stage3.Response
		}
		if msg.Content != "" {
			return msg.Content
		}
	}
	return ""
}

// councilTurnCost sums spend across every call the turn made.
func councilTurnCost(stage1 []Stage1Response, stage2 []Stage2Ranking, stage3 *Stage3Result) float64 {
	cost := 0.0
	for _, r := range stage1 {
		cost += CostOfUsage(r.Model, r.Usage)
	}
	for _, r := range stage2 {
		cost += CostOfUsage(r.Model, r.Usage)
	}
	if stage3 != nil {
		cost += CostOfUsage(stage3.Model, stage3.Usage)
	}
	return cost
}
