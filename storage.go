package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// convLocks serializes writers per conversation. Readers of a conversation
// that is mid-write see the previous complete file (writes go through a
// temp file + rename).
var convLocks sync.Map

func lockConversation(conversationID string) *sync.Mutex {
	mu, _ := convLocks.LoadOrStore(conversationID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// EnsureDataDir ensures the data directory exists.
// Creates the directory with 0755 permissions if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir, 0755)
}

// GetConversationPath returns the file path for a conversation.
// Joins the data directory with the conversation ID and .json extension.
func GetConversationPath(conversationID string) string {
	return filepath.Join(DataDir, conversationID+".json")
}

// CreateConversation creates a new conversation with the given ID and
// council composition. Empty model arguments fall back to the configured
// defaults; the composition is pinned for the conversation's lifetime.
func CreateConversation(conversationID string, councilModels []string, chairmanModel string) (*Conversation, error) {
	if err := EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if len(councilModels) == 0 {
		councilModels = CouncilModels
	}
	if chairmanModel == "" {
		chairmanModel = ChairmanModel
	}

	conversation := &Conversation{
		ID:            conversationID,
		CreatedAt:     time.Now().UTC(),
		Title:         "New Conversation",
		Messages:      []Message{},
		CouncilModels: councilModels,
		ChairmanModel: chairmanModel,
		SessionPolicy: DefaultSessionPolicy(),
	}

	if err := SaveConversation(conversation); err != nil {
		return nil, err
	}

	return conversation, nil
}

// GetConversation loads a conversation from storage by ID.
// Returns nil without error if the conversation doesn't exist.
// Returns an error only if file reading or JSON parsing fails.
func GetConversation(conversationID string) (*Conversation, error) {
	path := GetConversationPath(conversationID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil // Not found, return nil without error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}

	var conversation Conversation
	if err := json.Unmarshal(data, &conversation); err != nil {
		return nil, fmt.Errorf("failed to parse conversation JSON: %w", err)
	}

	return &conversation, nil
}

// SaveConversation saves a conversation to storage.
// Writes formatted JSON to a temp file, then renames it into place so a
// crash mid-write never leaves a torn conversation file.
func SaveConversation(conversation *Conversation) error {
	if err := EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(conversation, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	path := GetConversationPath(conversation.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write conversation file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace conversation file: %w", err)
	}

	return nil
}

// DeleteConversation removes a conversation file. Missing files are not an
// error; the retrieval index is cleaned up separately by the caller.
func DeleteConversation(conversationID string) error {
	mu := lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	err := os.Remove(GetConversationPath(conversationID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete conversation file: %w", err)
	}
	return nil
}

// ListConversations lists all conversations with metadata only.
// Returns a slice of conversation metadata sorted by creation time (newest first).
// Silently skips invalid or unreadable files. Returns empty slice if no conversations exist.
func ListConversations() ([]ConversationMetadata, error) {
	if err := EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	// Initialize with empty slice to avoid null in JSON
	conversations := make([]ConversationMetadata, 0)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(DataDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue // Skip files we can't read
		}

		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			continue // Skip invalid JSON
		}

		conversations = append(conversations, ConversationMetadata{
			ID:           conv.ID,
			CreatedAt:    conv.CreatedAt,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
			TotalCost:    conv.TotalCost,
		})
	}

	// Sort by creation time, newest first
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})

	return conversations, nil
}

// mutateConversation loads, mutates, and saves one conversation under its
// lock. The mutation sees the freshest on-disk state.
func mutateConversation(conversationID string, fn func(*Conversation) error) error {
	mu := lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conversation, err := GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	if err := fn(conversation); err != nil {
		return err
	}

	return SaveConversation(conversation)
}

// AddCouncilTurn persists a completed council turn: the user message and
// the three-stage assistant message are appended together, so a turn that
// failed mid-pipeline leaves no partial trace. Spend is rolled into the
// conversation total and the session usage counter.
func AddCouncilTurn(conversationID, userContent string, stage1 []Stage1Response, stage2 []Stage2Ranking, stage3 *Stage3Result, metadata *TurnMetadata, cost float64) error {
	return mutateConversation(conversationID, func(conversation *Conversation) error {
		conversation.Messages = append(conversation.Messages,
			Message{
				Role:    "user",
				Content: userContent,
			},
			Message{
				Role:     "assistant",
				Stage1:   stage1,
				Stage2:   stage2,
				Stage3:   stage3,
				Metadata: metadata,
				Cost:     cost,
			},
		)
		conversation.TotalCost += cost
		conversation.SessionUsage.SpentUSD += cost
		conversation.SessionUsage.Messages++
		return nil
	})
}

// AddChatTurn persists a completed follow-up chat turn the same way: user
// and assistant messages land together with the turn's cost.
func AddChatTurn(conversationID, userContent string, result *ChatResult, metadata *TurnMetadata, cost float64) error {
	return mutateConversation(conversationID, func(conversation *Conversation) error {
		conversation.Messages = append(conversation.Messages,
			Message{
				Role:    "user",
				Content: userContent,
			},
			Message{
				Role:      "assistant",
				Content:   result.Content,
				Reasoning: result.Reasoning,
				Metadata:  metadata,
				Cost:      cost,
			},
		)
		conversation.TotalCost += cost
		conversation.SessionUsage.SpentUSD += cost
		conversation.SessionUsage.Messages++
		return nil
	})
}

// UpdateConversationTitle updates the title of a conversation.
func UpdateConversationTitle(conversationID string, title string) error {
	return mutateConversation(conversationID, func(conversation *Conversation) error {
		conversation.Title = title
		return nil
	})
}

// SetSessionPolicy replaces the conversation's budget policy. Fields left
// nil in the request keep their current values.
func SetSessionPolicy(conversationID string, req SetPolicyRequest) (*SessionPolicy, error) {
	var updated *SessionPolicy
	err := mutateConversation(conversationID, func(conversation *Conversation) error {
		policy := conversation.SessionPolicy
		if policy == nil {
			policy = DefaultSessionPolicy()
		}

		if req.BudgetUSD != nil {
			policy.BudgetUSD = req.BudgetUSD
		}
		if len(req.NotifyThresholds) > 0 {
			sort.Float64s(req.NotifyThresholds)
			policy.NotifyThresholds = req.NotifyThresholds
		}
		if req.AllowOverage != nil {
			policy.AllowOverage = *req.AllowOverage
		}

		conversation.SessionPolicy = policy
		updated = policy
		return nil
	})
	return updated, err
}

// RecordWarningLevel advances the one-warning-per-level high-water mark.
func RecordWarningLevel(conversationID string, level float64) error {
	return mutateConversation(conversationID, func(conversation *Conversation) error {
		if conversation.SessionUsage.LastWarningLevel == nil || *conversation.SessionUsage.LastWarningLevel < level {
			conversation.SessionUsage.LastWarningLevel = &level
		}
		return nil
	})
}
