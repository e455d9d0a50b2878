package main

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Stage1CollectResponses collects individual responses from all council
// members in parallel. Each member independently answers the user's
// question. Results come back in completion order; members that failed
// after their retry are excluded (graceful degradation).
func Stage1CollectResponses(ctx context.Context, rc RequestContext, userQuery string) ([]Stage1Response, error) {
	prompt := userQuery
	if rc.AttachmentText != "" {
		prompt = fmt.Sprintf("%s\n\nATTACHED CONTEXT:\n%s", prompt, rc.AttachmentText)
	}
	if rc.EvidenceText != "" {
		prompt = fmt.Sprintf("%s\n\n%s", prompt, rc.EvidenceText)
	}

	messages := []OpenRouterMessage{
		{Role: "user", Content: prompt},
	}

	results := QueryModelsParallel(ctx, rc.CouncilModels, messages)

	var stage1Results []Stage1Response
	for _, result := range results {
		if result.Response != nil {
			stage1Results = append(stage1Results, Stage1Response{
				Model:    result.Model,
				Response: result.Response.Content,
				Usage:    result.Response.Usage,
			})
		}
	}

	return stage1Results, nil
}

// buildRankingPrompt renders the anonymized response set for one evaluator.
// When self-ranking is disabled the evaluator's own answer is left out of
// its prompt; the label bijection itself is shared across all evaluators.
func buildRankingPrompt(userQuery string, stage1Results []Stage1Response, anon *Anonymizer, evaluator string, includeSelf bool) string {
	var responsesText strings.Builder
	for _, result := range stage1Results {
		if !includeSelf && result.Model == evaluator {
			continue
		}
		label, _ := anon.LabelFor(result.Model)
		fmt.Fprintf(&responsesText, "%s:\n%s\n\n", label, result.Response)
	}

	return fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, userQuery, responsesText.String())
}

// Stage2CollectRankings asks every council member to rank the anonymized
// Stage 1 responses. Labels are assigned in Stage 1 completion order by the
// returned Anonymizer; each Stage 1 response appears exactly once in the
// anonymized set. Malformed rankings contribute only what parsed.
func Stage2CollectRankings(ctx context.Context, rc RequestContext, userQuery string, stage1Results []Stage1Response) ([]Stage2Ranking, *Anonymizer, error) {
	anon := NewAnonymizer(stage1Results)

	// Prompts differ per evaluator only when self-ranking is off, but
	// building per-member keeps the flag a local concern.
	prompts := make([]memberPrompt, 0, len(rc.CouncilModels))
	for _, model := range rc.CouncilModels {
		prompt := buildRankingPrompt(userQuery, stage1Results, anon, model, rc.IncludeSelfRanking)
		prompts = append(prompts, memberPrompt{
			model:    model,
			messages: []OpenRouterMessage{{Role: "user", Content: prompt}},
		})
	}

	var stage2Results []Stage2Ranking
	if rc.IncludeSelfRanking {
		// Identical prompt for everyone: single fan-out.
		results := QueryModelsParallel(ctx, rc.CouncilModels, prompts[0].messages)
		for _, result := range results {
			if result.Response != nil {
				stage2Results = append(stage2Results, newStage2Ranking(result))
			}
		}
	} else {
		results := queryPerMemberParallel(ctx, prompts)
		for _, result := range results {
			if result.Response != nil {
				stage2Results = append(stage2Results, newStage2Ranking(result))
			}
		}
	}

	return stage2Results, anon, nil
}

func newStage2Ranking(result ModelResult) Stage2Ranking {
	fullText := result.Response.Content
	return Stage2Ranking{
		Model:         result.Model,
		Ranking:       fullText,
		ParsedRanking: ParseRankingFromText(fullText),
		Usage:         result.Response.Usage,
	}
}

type memberPrompt struct {
	model    string
	messages []OpenRouterMessage
}

// queryPerMemberParallel fans out when each member needs its own prompt.
func queryPerMemberParallel(ctx context.Context, prompts []memberPrompt) []ModelResult {
	results := make([]ModelResult, 0, len(prompts))
	ch := make(chan ModelResult, len(prompts))
	for _, p := range prompts {
		p := p
		go func() {
			response, err := QueryModel(ctx, p.model, p.messages, ModelQueryTimeout)
			if err != nil {
				log.Printf("Error querying model %s: %v", p.model, err)
				ch <- ModelResult{Model: p.model, Err: err}
				return
			}
			ch <- ModelResult{Model: p.model, Response: response}
		}()
	}
	for range prompts {
		results = append(results, <-ch)
	}
	return results
}

// Stage3SynthesizeFinal has the chairman synthesize the final answer from
// all responses, rankings, and the consensus summary. Failure here is
// stage-fatal for the turn.
func Stage3SynthesizeFinal(ctx context.Context, rc RequestContext, userQuery string, stage1Results []Stage1Response, stage2Results []Stage2Ranking, anon *Anonymizer, metrics map[string]QualityMetrics) (*Stage3Result, error) {
	confidence, avgConsensus := ComputeOverallConfidence(metrics)
	consensusDetails := FormatConsensusDetails(metrics)

	// Responses go in under their anonymous labels so the chairman can
	// cross-reference the rankings.
	var stage1Text strings.Builder
	for _, result := range stage1Results {
		label, _ := anon.LabelFor(result.Model)
		fmt.Fprintf(&stage1Text, "%s:\n%s\n\n", label, result.Response)
	}

	var stage2Text strings.Builder
	for _, result := range stage2Results {
		fmt.Fprintf(&stage2Text, "Model: %s\nRanking: %s\n\n", result.Model, result.Ranking)
	}

	chairmanPrompt := fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

Consensus summary:
Overall council confidence: %s
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Guidelines:
- If confidence is HIGH, you can present a unified answer.
- If confidence is MEDIUM or LOW, clearly mention that the council had mixed views and explain the main perspectives.
- Stick to what the answers actually said - do not invent new facts.

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`, userQuery, stage1Text.String(), stage2Text.String(), confidence, consensusDetails)

	messages := []OpenRouterMessage{
		{Role: "user", Content: chairmanPrompt},
	}

	response, err := QueryModel(ctx, rc.ChairmanModel, messages, ModelQueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("chairman model query failed: %w", err)
	}

	return &Stage3Result{
		Model:        rc.ChairmanModel,
		Response:     response.Content,
		Confidence:   confidence,
		AvgConsensus: avgConsensus,
		Usage:        response.Usage,
	}, nil
}

// ChatWithChairman answers a follow-up question directly with the chairman,
// substituting retrieved council context for full deliberation history.
func ChatWithChairman(ctx context.Context, rc RequestContext, userQuery string, history []Message, retrievedContext string) (*ChatResult, error) {
	systemPrompt := `You are the Chairman of the AI Council.
You have previously presided over a council of AI models who debated and ranked answers to the user's questions.
Your goal now is to answer follow-up questions from the user.

You may optionally receive previous council deliberations for this conversation.
Use them only if they are relevant to the user's question.
Do not repeat old answers verbatim; instead, build on them.

`

	if retrievedContext != "" {
		systemPrompt += fmt.Sprintf(`Relevant previous council outputs (may be partial):
%s

Guidance on context labels:
- If a chunk is labeled 'synthesis', treat it as a previous final decision.
- If a chunk is labeled 'opinion', treat it as a single model's draft answer, not consensus.
- If a chunk is labeled 'review', treat it as an evaluation of other models' answers.
`, retrievedContext)
	}

	systemPrompt += "\nBe helpful, authoritative, and transparent about the council's reasoning."

	messages := []OpenRouterMessage{
		{Role: "system", Content: systemPrompt},
	}

	for _, msg := range history {
		switch {
		case msg.Role == "user":
			messages = append(messages, OpenRouterMessage{Role: "user", Content: msg.Content})
		case msg.Role == "assistant" && msg.Stage3 != nil:
			// Only the final synthesis goes into immediate history; the
			// details live in the retrieval index.
			messages = append(messages, OpenRouterMessage{Role: "assistant", Content: msg.Stage3.Response})
		case msg.Role == "assistant" && msg.Content != "":
			messages = append(messages, OpenRouterMessage{Role: "assistant", Content: msg.Content})
		}
	}

	messages = append(messages, OpenRouterMessage{Role: "user", Content: userQuery})

	response, err := QueryModel(ctx, rc.ChairmanModel, messages, ModelQueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("chairman chat query failed: %w", err)
	}

	result := &ChatResult{
		Content: response.Content,
		Usage:   response.Usage,
	}
	if reasoning := extractReasoning(response.ReasoningDetails); reasoning != "" {
		result.Reasoning = reasoning
	}

	return result, nil
}

// extractReasoning normalizes the reasoning trace the API may attach:
// either a plain string or a list of typed steps.
func extractReasoning(details interface{}) string {
	switch v := details.(type) {
	case string:
		return v
	case []interface{}:
		for _, step := range v {
			m, ok := step.(map[string]interface{})
			if !ok {
				continue
			}
			if m["type"] == "reasoning.text" {
				if text, ok := m["text"].(string); ok {
					return text
				}
			}
		}
	}
	return ""
}

// GenerateConversationTitle generates a short title for a conversation
// using the fast model. Returns the generated title or an error.
func GenerateConversationTitle(ctx context.Context, userQuery string) (string, error) {
	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	messages := []OpenRouterMessage{
		{Role: "user", Content: titlePrompt},
	}

	response, err := QueryModel(ctx, FastModel, messages, TitleGenTimeout)
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(response.Content)
	title = strings.Trim(title, "\"'")

	if len(title) > 50 {
		title = title[:47] + "..."
	}

	return title, nil
}
