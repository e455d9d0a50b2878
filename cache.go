package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// PricingCache provides thread-safe caching for live model pricing fetched
// from the OpenRouter catalog.
type PricingCache struct {
	mu          sync.RWMutex
	pricing     map[string]Pricing
	lastUpdated time.Time
	ttl         time.Duration
}

// NewPricingCache creates a new pricing cache with the specified TTL.
func NewPricingCache(ttl time.Duration) *PricingCache {
	return &PricingCache{
		ttl: ttl,
	}
}

// Get retrieves pricing from cache if not expired.
// Returns the pricing map and a boolean indicating a cache hit.
func (c *PricingCache) Get() (map[string]Pricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.pricing) == 0 {
		return nil, false
	}

	if time.Since(c.lastUpdated) > c.ttl {
		return nil, false
	}

	// Return a copy to prevent external modifications
	pricingCopy := make(map[string]Pricing, len(c.pricing))
	for id, p := range c.pricing {
		pricingCopy[id] = p
	}

	return pricingCopy, true
}

// Set updates the cache with fresh pricing data.
func (c *PricingCache) Set(pricing map[string]Pricing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pricing = make(map[string]Pricing, len(pricing))
	for id, p := range pricing {
		c.pricing[id] = p
	}
	c.lastUpdated = time.Now()
}

// Clear removes all pricing from the cache.
func (c *PricingCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pricing = nil
	c.lastUpdated = time.Time{}
}

// GetLastUpdated returns when the cache was last refreshed.
func (c *PricingCache) GetLastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastUpdated
}

// IsExpired checks if the cache has expired.
func (c *PricingCache) IsExpired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.pricing) == 0 {
		return true
	}

	return time.Since(c.lastUpdated) > c.ttl
}

// catalogEntry is the slice of the OpenRouter /models payload we read.
// The catalog reports price per token as strings; per-million internally.
type catalogEntry struct {
	ID      string `json:"id"`
	Pricing struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
}

// FetchLivePricing fetches current per-million-token pricing for all models
// from the OpenRouter catalog.
func FetchLivePricing(ctx context.Context) (map[string]Pricing, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", OpenRouterModelsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog body: %w", err)
	}

	var payload struct {
		Data []catalogEntry `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	pricing := make(map[string]Pricing, len(payload.Data))
	for _, entry := range payload.Data {
		if entry.ID == "" {
			continue
		}
		prompt, _ := strconv.ParseFloat(entry.Pricing.Prompt, 64)
		completion, _ := strconv.ParseFloat(entry.Pricing.Completion, 64)
		pricing[entry.ID] = Pricing{
			Input:  prompt * 1_000_000,
			Output: completion * 1_000_000,
		}
	}

	return pricing, nil
}

// EnrichedModels merges live pricing over the curated registry. On fetch
// failure the curated fallback pricing is served; stale cache wins over a
// failed refresh.
func EnrichedModels(ctx context.Context, cache *PricingCache) []Model {
	if live, ok := cache.Get(); ok {
		return modelRegistry.WithPricing(live).Models()
	}

	live, err := FetchLivePricing(ctx)
	if err != nil {
		return modelRegistry.Models()
	}

	cache.Set(live)
	return modelRegistry.WithPricing(live).Models()
}
