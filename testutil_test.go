package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

// TestHelper provides utilities for tests
type TestHelper struct {
	t       *testing.T
	tempDir string
}

// NewTestHelper creates a new test helper
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// CreateTempDir creates a temporary directory for testing
func (h *TestHelper) CreateTempDir() string {
	tempDir, err := os.MkdirTemp("", "council-engine-test-*")
	if err != nil {
		h.t.Fatalf("Failed to create temp dir: %v", err)
	}
	h.tempDir = tempDir
	return tempDir
}

// Cleanup removes the temporary directory
func (h *TestHelper) Cleanup() {
	if h.tempDir != "" {
		os.RemoveAll(h.tempDir)
	}
}

// UseTempStorage points conversation storage at a fresh temp directory and
// returns a restore function for the deferred cleanup.
func (h *TestHelper) UseTempStorage() func() {
	oldDataDir := DataDir
	DataDir = h.CreateTempDir()
	return func() {
		DataDir = oldDataDir
		h.Cleanup()
	}
}

// AssertNoError checks if an error is nil
func (h *TestHelper) AssertNoError(err error, message string) {
	if err != nil {
		h.t.Errorf("%s: unexpected error: %v", message, err)
	}
}

// AssertError checks if an error is not nil
func (h *TestHelper) AssertError(err error, message string) {
	if err == nil {
		h.t.Errorf("%s: expected error, got nil", message)
	}
}

// MockOpenRouterServer creates a mock HTTP server for OpenRouter API
func MockOpenRouterServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// writeMockCompletion writes a chat-completion payload with the given
// content and a small fixed usage block.
func writeMockCompletion(w http.ResponseWriter, content string) {
	apiResponse := OpenRouterAPIResponse{
		Usage: TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
	apiResponse.Choices = append(apiResponse.Choices, struct {
		Message struct {
			Content          string      `json:"content"`
			ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
		} `json:"message"`
	}{})
	apiResponse.Choices[0].Message.Content = content

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse)
}

// CreateMockOpenRouterHandler creates a handler that returns successful responses
func CreateMockOpenRouterHandler(t *testing.T, response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Verify headers
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		if r.Header.Get("Authorization") == "" {
			t.Errorf("Missing Authorization header")
		}

		writeMockCompletion(w, response)
	}
}

// CreateMockOpenRouterErrorHandler creates a handler that returns errors
func CreateMockOpenRouterErrorHandler(statusCode int, errorMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		w.Write([]byte(errorMsg))
	}
}

// CreateModelDispatchHandler creates a handler that picks its reply by the
// model named in the request body. Lets one server answer differently for
// stage 1 members, stage 2 evaluators, and the chairman.
func CreateModelDispatchHandler(t *testing.T, byModel map[string]string, fallback string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var request OpenRouterRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		response, ok := byModel[request.Model]
		if !ok {
			response = fallback
		}
		writeMockCompletion(w, response)
	}
}

// SampleConversation creates a sample conversation for testing
func SampleConversation(id string) *Conversation {
	return &Conversation{
		ID:            id,
		CreatedAt:     testTime(),
		Title:         "Test Conversation",
		CouncilModels: []string{"test/model1", "test/model2"},
		ChairmanModel: "test/chairman",
		SessionPolicy: DefaultSessionPolicy(),
		Messages: []Message{
			{
				Role:    "user",
				Content: "What is Go?",
			},
			{
				Role: "assistant",
				Stage1: []Stage1Response{
					{Model: "test/model1", Response: "Go is a programming language."},
					{Model: "test/model2", Response: "Go is developed by Google."},
				},
				Stage2: []Stage2Ranking{
					{
						Model:         "test/model1",
						Ranking:       "FINAL RANKING:\n1. Response B\n2. Response A",
						ParsedRanking: []string{"Response B", "Response A"},
					},
				},
				Stage3: &Stage3Result{
					Model:      "test/chairman",
					Response:   "Go is a programming language developed by Google.",
					Confidence: "HIGH",
				},
			},
		},
	}
}

// sampleAnonymizer builds an anonymizer over n synthetic stage 1 results,
// labeled in order: Response A -> model/a, Response B -> model/b, ...
func sampleAnonymizer(models ...string) *Anonymizer {
	stage1 := make([]Stage1Response, 0, len(models))
	for _, m := range models {
		stage1 = append(stage1, Stage1Response{Model: m, Response: "answer from " + m})
	}
	return NewAnonymizer(stage1)
}

func floatPtr(v float64) *float64 { return &v }

func boolPtr(v bool) *bool { return &v }

// testTime returns a fixed time for testing
func testTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}
