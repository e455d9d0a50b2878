package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxAttempts bounds the retry loop: one retry on transient failure.
const maxAttempts = 2

// transientError marks failures worth one retry (network errors, 5xx, 429).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// QueryModel queries a single model via the OpenRouter API with the given
// per-call timeout, retrying once on transient failure. Returns the model's
// response (content, reasoning trace, token usage) or an error.
func QueryModel(ctx context.Context, model string, messages []OpenRouterMessage, timeout time.Duration) (*OpenRouterResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		response, err := queryModelOnce(ctx, model, messages, timeout)
		if err == nil {
			return response, nil
		}

		lastErr = err
		var te *transientError
		if !errors.As(err, &te) || ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			log.Printf("Transient error querying %s (attempt %d): %v", model, attempt, err)
		}
	}
	return nil, lastErr
}

func queryModelOnce(ctx context.Context, model string, messages []OpenRouterMessage, timeout time.Duration) (*OpenRouterResponse, error) {
	client := &http.Client{
		Timeout: timeout,
	}

	payload := OpenRouterRequest{
		Model:    model,
		Messages: messages,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", OpenRouterAPIURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+OpenRouterAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("failed to make request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		apiErr := fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(bodyBytes))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &transientError{err: apiErr}
		}
		return nil, apiErr
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("failed to read response body: %w", err)}
	}

	var apiResponse OpenRouterAPIResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(apiResponse.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	message := apiResponse.Choices[0].Message
	return &OpenRouterResponse{
		Content:          message.Content,
		ReasoningDetails: message.ReasoningDetails,
		Usage:            apiResponse.Usage,
	}, nil
}

// ModelResult is one member's outcome from a parallel fan-out. Response is
// nil when the member failed after exhausting its retry.
type ModelResult struct {
	Model    string
	Response *OpenRouterResponse
	Err      error
}

// QueryModelsParallel queries multiple models in parallel and returns
// results in the order calls completed, not the order models were listed.
// Completion order is what the anonymizer uses for label assignment, so
// label position never leaks model identity. Failed models are recorded as
// failed participants, never as an error for the whole fan-out.
func QueryModelsParallel(ctx context.Context, models []string, messages []OpenRouterMessage) []ModelResult {
	g, ctx := errgroup.WithContext(ctx)

	results := make([]ModelResult, 0, len(models))
	var mu sync.Mutex

	for _, model := range models {
		model := model
		g.Go(func() error {
			response, err := QueryModel(ctx, model, messages, ModelQueryTimeout)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("Error querying model %s: %v", model, err)
				results = append(results, ModelResult{Model: model, Err: err})
				return nil // Graceful degradation: other members continue
			}
			results = append(results, ModelResult{Model: model, Response: response})
			return nil
		})
	}

	// Member goroutines never return errors, so Wait only synchronizes.
	_ = g.Wait()

	return results
}

// CostOfUsage converts a usage record to USD using registry pricing.
func CostOfUsage(model string, usage TokenUsage) float64 {
	pricing := modelRegistry.PricingFor(model)
	return float64(usage.PromptTokens)/1_000_000*pricing.Input +
		float64(usage.CompletionTokens)/1_000_000*pricing.Output
}
