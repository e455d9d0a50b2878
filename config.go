package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Configuration constants
var (
	// OpenRouterAPIKey is the API key for OpenRouter
	OpenRouterAPIKey string

	// CouncilModels is the default list of models queried in parallel
	CouncilModels = []string{
		"openai/gpt-5.1",
		"google/gemini-3-pro-preview",
		"anthropic/claude-sonnet-4.5",
		"x-ai/grok-4-fast",
		"deepseek/deepseek-v3.2-exp",
	}

	// ChairmanModel is the default model used for final synthesis
	ChairmanModel = "google/gemini-3-pro-preview"

	// FastModel handles cheap auxiliary calls (titles, query rewrites)
	FastModel = "google/gemini-2.5-flash"

	// OpenRouterAPIURL is the chat completions endpoint
	OpenRouterAPIURL = "https://openrouter.ai/api/v1/chat/completions"

	// OpenRouterModelsURL is the live model/pricing catalog endpoint
	OpenRouterModelsURL = "https://openrouter.ai/api/v1/models"

	// DataDir is the directory for conversation storage
	DataDir = "data/conversations"

	// IndexPath is the SQLite file backing the retrieval index
	IndexPath = "data/index.db"

	// Timeout constants
	ModelQueryTimeout = 120 * time.Second
	TitleGenTimeout   = 30 * time.Second
	RewriteTimeout    = 10 * time.Second
	StewardTimeout    = 60 * time.Second
	ToolCallTimeout   = 20 * time.Second

	// EnableToolSteward toggles the pre-council tool phase
	EnableToolSteward = true

	// Tool steward enforcement limits
	MaxToolCallsPerRun = 3
	MaxEvidenceChars   = 10000
	MaxToolOutputChars = 2000

	// EnableQueryRewrite toggles follow-up coreference resolution
	EnableQueryRewrite = true

	// IncludeSelfRanking controls whether each Stage 2 evaluator sees an
	// anonymized copy of its own Stage 1 answer
	IncludeSelfRanking = true

	// CORS allowed origins (configurable via environment)
	CORSAllowedOrigins = []string{}

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20

	// PricingCacheTTL is the time-to-live for the live pricing cache
	PricingCacheTTL = time.Hour
)

// Context token presets for retrieval, by name. The budget router picks one
// per turn; absolute_max caps custom values.
var (
	ContextPresets = map[string]int{
		"low":    4000,
		"medium": 8000,
		"high":   16000,
		"max":    32000,
	}
	AbsoluteMaxContextTokens = 32000

	// MinFusedScore drops fusion results with negligible support.
	MinFusedScore = 0.001

	// RRFConstant is the k in 1/(k+rank) reciprocal rank fusion.
	RRFConstant = 60.0
)

// Task signal heuristics for the budget router.
var (
	ResearchKeywords    = []string{"cite", "paper", "compare", "analyze", "research", "study"}
	QuickKeywords       = []string{"quick", "briefly", "short", "summary", "tldr"}
	ResearchQueryLength = 200 // chars
)

// DefaultSessionPolicy returns the policy applied to conversations that
// never set one: no budget, standard notify ladder.
func DefaultSessionPolicy() *SessionPolicy {
	return &SessionPolicy{
		BudgetUSD:        nil,
		NotifyThresholds: []float64{0.70, 0.85, 1.00},
		Mode:             "auto",
		AllowOverage:     true,
	}
}

// FileConfig is the optional YAML overlay pointed to by COUNCIL_CONFIG.
type FileConfig struct {
	CouncilModels      []string `yaml:"council_models"`
	ChairmanModel      string   `yaml:"chairman_model"`
	FastModel          string   `yaml:"fast_model"`
	DataDir            string   `yaml:"data_dir"`
	IndexPath          string   `yaml:"index_path"`
	EnableQueryRewrite *bool    `yaml:"enable_query_rewrite"`
	IncludeSelfRanking *bool    `yaml:"include_self_ranking"`
	EnableToolSteward  *bool    `yaml:"enable_tool_steward"`
	Models             []Model  `yaml:"models"`
}

// LoadConfig loads configuration from environment variables and, when
// COUNCIL_CONFIG is set, a YAML overlay file.
func LoadConfig() {
	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	envLoaded := false
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Printf("Loaded .env from: %s", absPath)
				envLoaded = true
				break
			}
		}
	}

	if !envLoaded {
		log.Printf("Warning: .env file not found in any expected location")
	}

	// Get OpenRouter API key
	OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	if OpenRouterAPIKey == "" {
		log.Fatal("OPENROUTER_API_KEY environment variable is required")
	}

	// Load CORS origins from environment if provided (comma-separated)
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		CORSAllowedOrigins = []string{}
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				CORSAllowedOrigins = append(CORSAllowedOrigins, origin)
			}
		}
	}

	if configPath := os.Getenv("COUNCIL_CONFIG"); configPath != "" {
		if err := applyFileConfig(configPath); err != nil {
			log.Fatalf("Failed to load config file %s: %v", configPath, err)
		}
	}

	log.Println("Configuration loaded successfully")
}

// applyFileConfig merges a YAML config file over the built-in defaults.
func applyFileConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	if len(fc.CouncilModels) > 0 {
		CouncilModels = fc.CouncilModels
	}
	if fc.ChairmanModel != "" {
		ChairmanModel = fc.ChairmanModel
	}
	if fc.FastModel != "" {
		FastModel = fc.FastModel
	}
	if fc.DataDir != "" {
		DataDir = fc.DataDir
	}
	if fc.IndexPath != "" {
		IndexPath = fc.IndexPath
	}
	if fc.EnableQueryRewrite != nil {
		EnableQueryRewrite = *fc.EnableQueryRewrite
	}
	if fc.IncludeSelfRanking != nil {
		IncludeSelfRanking = *fc.IncludeSelfRanking
	}
	if fc.EnableToolSteward != nil {
		EnableToolSteward = *fc.EnableToolSteward
	}
	if len(fc.Models) > 0 {
		modelRegistry = NewRegistry(fc.Models)
	}

	log.Printf("Applied config overlay from %s", path)
	return nil
}
