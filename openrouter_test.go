package main

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

// TestQueryModelSuccess tests a plain successful query.
func TestQueryModelSuccess(t *testing.T) {
	oldAPIURL := OpenRouterAPIURL
	oldAPIKey := OpenRouterAPIKey
	defer func() {
		OpenRouterAPIURL = oldAPIURL
		OpenRouterAPIKey = oldAPIKey
	}()

	mockServer := MockOpenRouterServer(t, CreateMockOpenRouterHandler(t, "Hello from the model"))
	defer mockServer.Close()

	OpenRouterAPIURL = mockServer.URL
	OpenRouterAPIKey = "test-key"

	response, err := QueryModel(context.Background(), "test/model", []OpenRouterMessage{
		{Role: "user", Content: "Hi"},
	}, 5*time.Second)

	if err != nil {
		t.Fatalf("QueryModel failed: %v", err)
	}
	if response.Content != "Hello from the model" {
		t.Errorf("Content = %q", response.Content)
	}
	if response.Usage.TotalTokens != 150 {
		t.Errorf("Usage not parsed: %+v", response.Usage)
	}
}

// TestQueryModelRetriesTransient verifies one retry after a 500, succeeding
// on the second attempt.
func TestQueryModelRetriesTransient(t *testing.T) {
	oldAPIURL := OpenRouterAPIURL
	oldAPIKey := OpenRouterAPIKey
	defer func() {
		OpenRouterAPIURL = oldAPIURL
		OpenRouterAPIKey = oldAPIKey
	}()

	var calls int32
	mockServer := MockOpenRouterServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("transient failure"))
			return
		}
		writeMockCompletion(w, "Recovered")
	})
	defer mockServer.Close()

	OpenRouterAPIURL = mockServer.URL
	OpenRouterAPIKey = "test-key"

	response, err := QueryModel(context.Background(), "test/model", []OpenRouterMessage{
		{Role: "user", Content: "Hi"},
	}, 5*time.Second)

	if err != nil {
		t.Fatalf("Expected retry to recover, got error: %v", err)
	}
	if response.Content != "Recovered" {
		t.Errorf("Content = %q, want Recovered", response.Content)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

// TestQueryModelNoRetryOnClientError verifies 4xx responses fail immediately.
func TestQueryModelNoRetryOnClientError(t *testing.T) {
	oldAPIURL := OpenRouterAPIURL
	oldAPIKey := OpenRouterAPIKey
	defer func() {
		OpenRouterAPIURL = oldAPIURL
		OpenRouterAPIKey = oldAPIKey
	}()

	var calls int32
	mockServer := MockOpenRouterServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	})
	defer mockServer.Close()

	OpenRouterAPIURL = mockServer.URL
	OpenRouterAPIKey = "test-key"

	_, err := QueryModel(context.Background(), "test/model", []OpenRouterMessage{
		{Role: "user", Content: "Hi"},
	}, 5*time.Second)

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Expected 1 attempt for client error, got %d", calls)
	}
}

// TestQueryModelsParallelPartialFailure verifies the fan-out records failed
// members instead of failing the whole call.
func TestQueryModelsParallelPartialFailure(t *testing.T) {
	oldAPIURL := OpenRouterAPIURL
	oldAPIKey := OpenRouterAPIKey
	defer func() {
		OpenRouterAPIURL = oldAPIURL
		OpenRouterAPIKey = oldAPIKey
	}()

	mockServer := MockOpenRouterServer(t, CreateModelDispatchHandler(t, map[string]string{
		"test/good1": "Answer one",
		"test/good2": "Answer two",
	}, ""))
	defer mockServer.Close()

	failing := MockOpenRouterServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	defer failing.Close()

	OpenRouterAPIKey = "test-key"

	// All through the dispatch server: good models succeed.
	OpenRouterAPIURL = mockServer.URL
	results := QueryModelsParallel(context.Background(), []string{"test/good1", "test/good2"}, []OpenRouterMessage{
		{Role: "user", Content: "Hi"},
	})
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil || r.Response == nil {
			t.Errorf("Model %s unexpectedly failed: %v", r.Model, r.Err)
		}
	}

	// All through the failing server: every member is recorded failed, no panic.
	OpenRouterAPIURL = failing.URL
	results = QueryModelsParallel(context.Background(), []string{"test/bad1", "test/bad2"}, []OpenRouterMessage{
		{Role: "user", Content: "Hi"},
	})
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err == nil || r.Response != nil {
			t.Errorf("Model %s should have failed", r.Model)
		}
	}
}

// TestCostOfUsage checks registry pricing conversion and the conservative
// default for unknown models.
func TestCostOfUsage(t *testing.T) {
	// x-ai/grok-4-fast: input 0.2, output 0.5 per million
	cost := CostOfUsage("x-ai/grok-4-fast", TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000})
	if cost != 0.7 {
		t.Errorf("Cost = %.4f, want 0.7", cost)
	}

	// Unknown model uses defaultPricing (1.0 in, 5.0 out)
	cost = CostOfUsage("unknown/model", TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 0})
	if cost != 1.0 {
		t.Errorf("Unknown model cost = %.4f, want 1.0", cost)
	}
}
