package main

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func TestPricingCacheGetSet(t *testing.T) {
	cache := NewPricingCache(time.Hour)

	if _, ok := cache.Get(); ok {
		t.Error("Empty cache should miss")
	}
	if !cache.IsExpired() {
		t.Error("Empty cache should report expired")
	}

	cache.Set(map[string]Pricing{"m": {Input: 1, Output: 2}})

	pricing, ok := cache.Get()
	if !ok || pricing["m"].Output != 2 {
		t.Errorf("Get = %v, %v", pricing, ok)
	}

	// Returned map is a copy
	pricing["m"] = Pricing{Input: 99}
	fresh, _ := cache.Get()
	if fresh["m"].Input != 1 {
		t.Error("Cache copy leaked internal state")
	}

	cache.Clear()
	if _, ok := cache.Get(); ok {
		t.Error("Cleared cache should miss")
	}
}

func TestPricingCacheTTLExpiry(t *testing.T) {
	cache := NewPricingCache(time.Nanosecond)
	cache.Set(map[string]Pricing{"m": {Input: 1}})

	time.Sleep(time.Millisecond)
	if _, ok := cache.Get(); ok {
		t.Error("Expired entry should miss")
	}
}

func TestFetchLivePricingConvertsPerMillion(t *testing.T) {
	oldModelsURL := OpenRouterModelsURL
	defer func() { OpenRouterModelsURL = oldModelsURL }()

	mockServer := MockOpenRouterServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{
					"id": "test/model",
					"pricing": map[string]string{
						"prompt":     "0.000002",
						"completion": "0.00001",
					},
				},
			},
		})
	})
	defer mockServer.Close()

	OpenRouterModelsURL = mockServer.URL

	pricing, err := FetchLivePricing(context.Background())
	if err != nil {
		t.Fatalf("FetchLivePricing failed: %v", err)
	}

	p := pricing["test/model"]
	if p.Input != 2.0 || p.Output != 10.0 {
		t.Errorf("Per-million conversion wrong: %+v", p)
	}
}

func TestEnrichedModelsFallsBackOnFetchFailure(t *testing.T) {
	oldModelsURL := OpenRouterModelsURL
	defer func() { OpenRouterModelsURL = oldModelsURL }()

	failing := MockOpenRouterServer(t, CreateMockOpenRouterErrorHandler(500, "down"))
	defer failing.Close()
	OpenRouterModelsURL = failing.URL

	cache := NewPricingCache(time.Hour)
	models := EnrichedModels(context.Background(), cache)

	// Curated fallback served unchanged
	if len(models) != len(curatedModels) {
		t.Errorf("Models = %d, want %d", len(models), len(curatedModels))
	}
}

func TestEnrichedModelsAppliesLivePricing(t *testing.T) {
	cache := NewPricingCache(time.Hour)
	cache.Set(map[string]Pricing{
		"x-ai/grok-4-fast": {Input: 0.9, Output: 0.9},
	})

	models := EnrichedModels(context.Background(), cache)

	for _, m := range models {
		if m.ID == "x-ai/grok-4-fast" && m.Pricing.Input != 0.9 {
			t.Errorf("Live pricing not applied: %+v", m.Pricing)
		}
	}
}
