package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Global pricing cache and orchestrator instances
var (
	pricingCache *PricingCache
	orchestrator *Orchestrator
)

func main() {
	// Load configuration
	LoadConfig()

	pricingCache = NewPricingCache(PricingCacheTTL)

	index, err := NewChunkIndex(IndexPath)
	if err != nil {
		log.Fatalf("Failed to open retrieval index: %v", err)
	}
	orchestrator = NewOrchestrator(index, nil)
	if EnableToolSteward {
		tools := NewToolRegistry()
		tools.Register(NewWebFetchTool(nil))
		orchestrator.Steward = NewToolSteward(tools)
	}

	router := buildRouter()

	// Start server
	log.Println("Starting Council Engine backend on port 8001...")
	if err := router.Run(":8001"); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// buildRouter wires middleware and routes. Split from main so tests can
// exercise the full HTTP surface against a test orchestrator.
func buildRouter() *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			// In production, use environment-configured origins
			if len(CORSAllowedOrigins) > 0 && CORSAllowedOrigins[0] != "" {
				for _, allowedOrigin := range CORSAllowedOrigins {
					if origin == allowedOrigin {
						return true
					}
				}
				return false
			}
			// In development, allow any localhost/127.0.0.1 origin
			return len(origin) > 0 && (len(origin) >= 16 && origin[:16] == "http://localhost" ||
				len(origin) >= 14 && origin[:14] == "http://127.0.0")
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	// Routes
	router.GET("/", healthCheck)
	router.GET("/api/models", listModelsHandler)
	router.GET("/api/conversations", listConversationsHandler)
	router.POST("/api/conversations", createConversationHandler)
	router.GET("/api/conversations/:id", getConversationHandler)
	router.DELETE("/api/conversations/:id", deleteConversationHandler)
	router.PUT("/api/conversations/:id/policy", setPolicyHandler)
	router.POST("/api/conversations/:id/message", sendMessageHandler)
	router.POST("/api/conversations/:id/message/stream", sendMessageStreamHandler)

	return router
}

// healthCheck returns a simple health check response.
// GET / - Returns service status information.
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "Council Engine API",
	})
}

// listModelsHandler returns the model registry enriched with live pricing.
// GET /api/models - Curated models; pricing refreshed from the catalog when
// the cache is stale, curated fallback on fetch failure.
func listModelsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models": EnrichedModels(c.Request.Context(), pricingCache),
	})
}

// listConversationsHandler lists all conversations with metadata only.
// GET /api/conversations - Returns array of conversation metadata sorted by date.
func listConversationsHandler(c *gin.Context) {
	conversations, err := ListConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new conversation.
// POST /api/conversations - Generates a new UUID; an optional body pins the
// council composition for the conversation's lifetime.
func createConversationHandler(c *gin.Context) {
	var request CreateConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("Invalid request: %v", err),
			})
			return
		}
	}

	for _, id := range append(append([]string{}, request.CouncilModels...), request.ChairmanModel) {
		if id == "" {
			continue
		}
		if _, ok := modelRegistry.Lookup(id); !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("Unknown model: %s", id),
			})
			return
		}
	}

	conversationID := uuid.New().String()

	conversation, err := CreateConversation(conversationID, request.CouncilModels, request.ChairmanModel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// getConversationHandler gets a specific conversation by ID.
// GET /api/conversations/:id - Returns full conversation including all messages.
func getConversationHandler(c *gin.Context) {
	conversationID := c.Param("id")

	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}

	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// deleteConversationHandler deletes a conversation.
// DELETE /api/conversations/:id
func deleteConversationHandler(c *gin.Context) {
	conversationID := c.Param("id")

	if err := DeleteConversation(conversationID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to delete conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": conversationID})
}

// setPolicyHandler updates a conversation's session budget policy.
// PUT /api/conversations/:id/policy - Body: {"budget_usd": 1.50, ...}
func setPolicyHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SetPolicyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	policy, err := SetSessionPolicy(conversationID, request)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to set policy: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, policy)
}

// sendMessageHandler sends a message and runs the turn synchronously.
// POST /api/conversations/:id/message - Returns the full result at once.
// Use sendMessageStreamHandler for the SSE streaming version.
func sendMessageHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	if exists, done := requireConversation(c, conversationID); !exists || done {
		return
	}

	// Drain the event stream and assemble the final response shape.
	var response SendMessageResponse
	for event := range orchestrator.RunTurn(conversationID, request) {
		switch event.Type {
		case "stage1_complete":
			response.Stage1 = event.Data.([]Stage1Response)
		case "stage2_complete":
			response.Stage2 = event.Data.([]Stage2Ranking)
			response.Metadata = event.Metadata
		case "stage3_complete":
			response.Stage3 = event.Data.(*Stage3Result)
			response.Type = "council"
		case "chat_response":
			result := event.Data.(*ChatResult)
			response.Content = result.Content
			response.Metadata = event.Metadata
			response.Type = "chat"
		case "error":
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": event.Message,
			})
			return
		}
	}

	c.JSON(http.StatusOK, response)
}

// sendMessageStreamHandler sends a message and streams the turn via SSE.
// POST /api/conversations/:id/message/stream - Streams progress events.
// Events: steward_start/complete, stage1_start/complete, stage2_start/complete,
// stage3_start/complete, chat_start, chat_response, title_complete,
// budget_warning, complete, error.
func sendMessageStreamHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	if exists, done := requireConversation(c, conversationID); !exists || done {
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// The pipeline keeps running if the client disconnects; events are
	// drained and discarded so the turn still persists and indexes.
	events := orchestrator.RunTurn(conversationID, request)
	disconnected := false
	for event := range events {
		if disconnected {
			continue
		}
		if !sendSSEEvent(c, event) {
			log.Printf("[SSE] client gone for %s, draining remaining events", conversationID)
			disconnected = true
		}
	}
}

// sendSSEEvent sends a Server-Sent Event.
// Marshals data to JSON and writes as SSE format with "data: " prefix.
// Returns false once the client connection is unwritable.
func sendSSEEvent(c *gin.Context, data interface{}) bool {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal SSE event: %v", err)
		return true
	}
	if _, err := c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", string(jsonData))); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

// requireConversation 404s when the conversation doesn't exist. Returns
// (exists, responded).
func requireConversation(c *gin.Context, conversationID string) (bool, bool) {
	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return false, true
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return false, true
	}
	return true, false
}
