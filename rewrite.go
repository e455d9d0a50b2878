package main

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// RewriteQuery resolves pronouns and elliptical references in a short
// follow-up query ("why is that faster?") against the previous council
// synthesis, so retrieval sees a self-contained question. Long queries are
// assumed self-contained and skipped. Any failure falls back to the
// original query; rewriting is best-effort and never blocks a turn.
func RewriteQuery(ctx context.Context, userQuery, priorSynthesis string) string {
	if !EnableQueryRewrite {
		return userQuery
	}
	if strings.TrimSpace(priorSynthesis) == "" {
		return userQuery
	}
	if len(strings.Fields(userQuery)) > 10 {
		return userQuery
	}

	prompt := fmt.Sprintf(`Rewrite the user's follow-up question as a fully self-contained question.
Resolve pronouns and references using the previous answer below.
Keep it short. Output ONLY the rewritten question, nothing else.

Previous answer:
%s

Follow-up question: %s

Rewritten question:`, truncateForPrompt(priorSynthesis, 2000), userQuery)

	messages := []OpenRouterMessage{
		{Role: "user", Content: prompt},
	}

	response, err := QueryModel(ctx, FastModel, messages, RewriteTimeout)
	if err != nil {
		log.Printf("[REWRITE] falling back to original query: %v", err)
		return userQuery
	}

	rewritten := cleanRewrite(response.Content)
	if rewritten == "" {
		return userQuery
	}

	return rewritten
}

// cleanRewrite strips the artifacts fast models wrap answers in: echoed
// prompt labels, list prefixes, quotes, trailing commentary lines.
func cleanRewrite(text string) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "Rewritten question:"))
	line = strings.TrimPrefix(line, "- ")
	line = strings.TrimPrefix(line, "1. ")
	return strings.Trim(line, "\"'")
}

func truncateForPrompt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
