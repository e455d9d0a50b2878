package main

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Chunk is one indexed unit of council output: a stage-1 opinion, a stage-2
// review, a stage-3 synthesis, or the user's question itself.
type Chunk struct {
	ID             string
	ConversationID string
	TurnIndex      int
	Stage          string // question | opinion | review | synthesis
	Model          string
	Content        string
}

// scoredChunk carries a chunk through ranking and fusion.
type scoredChunk struct {
	chunk Chunk
	score float64
}

// ChunkIndex is the SQLite-backed retrieval index over council outputs.
// Chunk ids are deterministic (conversation:turn:stage:model), so
// re-indexing a turn is idempotent.
type ChunkIndex struct {
	db *sql.DB
}

// NewChunkIndex opens (or creates) the index at the given path. Pass
// ":memory:" for an ephemeral index in tests.
func NewChunkIndex(path string) (*ChunkIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	// A :memory: DSN gets a fresh database per connection; a single
	// connection keeps the index coherent and serializes writers.
	db.SetMaxOpenConns(1)

	idx := &ChunkIndex{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *ChunkIndex) migrate() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			turn_index      INTEGER NOT NULL,
			stage           TEXT NOT NULL,
			model           TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_conversation
			ON chunks (conversation_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate index schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (idx *ChunkIndex) Close() error {
	return idx.db.Close()
}

// chunkID builds the deterministic primary key for a chunk.
func chunkID(conversationID string, turnIndex int, stage, model string) string {
	return fmt.Sprintf("%s:%d:%s:%s", conversationID, turnIndex, stage, model)
}

// IndexTurn writes every output of a completed turn into the index. Each
// chunk's content is prefixed with the originating question so retrieval
// can match on question terms too. INSERT OR REPLACE keeps re-indexing the
// same turn idempotent.
func (idx *ChunkIndex) IndexTurn(conversationID string, turnIndex int, question string, stage1 []Stage1Response, stage2 []Stage2Ranking, stage3 *Stage3Result) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO chunks (id, conversation_id, turn_index, stage, model, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare index insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	insert := func(stage, model, body string) error {
		content := fmt.Sprintf("Q: %s\n\n%s", question, body)
		_, err := stmt.Exec(chunkID(conversationID, turnIndex, stage, model), conversationID, turnIndex, stage, model, content, now)
		return err
	}

	if err := insert("question", "user", question); err != nil {
		return fmt.Errorf("failed to index question: %w", err)
	}
	for _, r := range stage1 {
		if err := insert("opinion", r.Model, r.Response); err != nil {
			return fmt.Errorf("failed to index opinion: %w", err)
		}
	}
	for _, r := range stage2 {
		if err := insert("review", r.Model, r.Ranking); err != nil {
			return fmt.Errorf("failed to index review: %w", err)
		}
	}
	if stage3 != nil {
		if err := insert("synthesis", stage3.Model, stage3.Response); err != nil {
			return fmt.Errorf("failed to index synthesis: %w", err)
		}
	}

	return tx.Commit()
}

// IndexChatTurn indexes a follow-up chat exchange so later questions can
// retrieve it like any council output.
func (idx *ChunkIndex) IndexChatTurn(conversationID string, turnIndex int, question, answer string) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	content := fmt.Sprintf("Q: %s\n\n%s", question, answer)
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO chunks (id, conversation_id, turn_index, stage, model, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, chunkID(conversationID, turnIndex, "synthesis", "chairman-chat"), conversationID, turnIndex, "synthesis", "chairman-chat", content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to index chat turn: %w", err)
	}

	return tx.Commit()
}

// chunksForConversation loads every chunk of one conversation. Retrieval
// never crosses conversation boundaries.
func (idx *ChunkIndex) chunksForConversation(conversationID string) ([]Chunk, error) {
	rows, err := idx.db.Query(`
		SELECT id, conversation_id, turn_index, stage, model, content
		FROM chunks WHERE conversation_id = ?
		ORDER BY turn_index, stage, model
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.TurnIndex, &c.Stage, &c.Model, &c.Content); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// EstimateTokens approximates LLM token count from word count.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// lexicalRank scores chunks by IDF-weighted term overlap with the query and
// returns them best first. Chunks sharing no query term are excluded.
func lexicalRank(query string, chunks []Chunk) []scoredChunk {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	// Document frequency per term across the conversation's chunks.
	df := make(map[string]int)
	chunkTerms := make([]map[string]int, len(chunks))
	for i, c := range chunks {
		tf := make(map[string]int)
		for _, t := range tokenize(c.Content) {
			tf[t]++
		}
		chunkTerms[i] = tf
		for t := range tf {
			df[t]++
		}
	}

	n := float64(len(chunks))
	var ranked []scoredChunk
	for i, c := range chunks {
		score := 0.0
		for _, t := range queryTerms {
			tf := chunkTerms[i][t]
			if tf == 0 {
				continue
			}
			idf := math.Log(1.0 + n/float64(1+df[t]))
			score += (1.0 + math.Log(float64(tf))) * idf
		}
		if score > 0 {
			ranked = append(ranked, scoredChunk{chunk: c, score: score})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	return ranked
}

// embeddingDim is the feature-hashing dimensionality for the semantic
// ranker's term-frequency vectors.
const embeddingDim = 256

// hashEmbed maps text to a fixed-size term-frequency vector via feature
// hashing, L2-normalized. Cosine between two such vectors approximates
// bag-of-words similarity without an external embedding service.
func hashEmbed(text string) []float64 {
	vec := make([]float64, embeddingDim)
	for _, t := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(t))
		vec[h.Sum32()%embeddingDim]++
	}

	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func cosine(a, b []float64) float64 {
	dot := 0.0
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

// semanticRank scores chunks by cosine similarity between hashed embeddings
// of the query and chunk text, best first. Zero-similarity chunks excluded.
func semanticRank(query string, chunks []Chunk) []scoredChunk {
	queryVec := hashEmbed(query)

	var ranked []scoredChunk
	for _, c := range chunks {
		sim := cosine(queryVec, hashEmbed(c.Content))
		if sim > 0 {
			ranked = append(ranked, scoredChunk{chunk: c, score: sim})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	return ranked
}

// fuseRankings combines ranked lists with reciprocal rank fusion: each
// chunk's fused score is the sum of 1/(k+rank) over the lists that mention
// it, with 1-based ranks. Chunks below MinFusedScore are dropped.
func fuseRankings(lists ...[]scoredChunk) []scoredChunk {
	fused := make(map[string]float64)
	byID := make(map[string]Chunk)

	for _, list := range lists {
		for rank, sc := range list {
			fused[sc.chunk.ID] += 1.0 / (RRFConstant + float64(rank+1))
			byID[sc.chunk.ID] = sc.chunk
		}
	}

	var out []scoredChunk
	for id, score := range fused {
		if score < MinFusedScore {
			continue
		}
		out = append(out, scoredChunk{chunk: byID[id], score: score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].chunk.ID < out[j].chunk.ID
	})
	return out
}

// Retrieve returns the chunks most relevant to the query within one
// conversation, packed greedily into the token budget. Oversized chunks are
// skipped, not truncated, and packing continues with the next candidate.
// Quality floor: if at least one candidate survived fusion, at least one
// chunk is returned even if it busts the budget.
func (idx *ChunkIndex) Retrieve(query, conversationID string, maxTokens int) ([]Chunk, error) {
	chunks, err := idx.chunksForConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	candidates := fuseRankings(lexicalRank(query, chunks), semanticRank(query, chunks))
	if len(candidates) == 0 {
		return nil, nil
	}

	var selected []Chunk
	remaining := maxTokens
	for _, sc := range candidates {
		cost := EstimateTokens(sc.chunk.Content)
		if cost > remaining {
			continue
		}
		selected = append(selected, sc.chunk)
		remaining -= cost
	}

	if len(selected) == 0 {
		selected = append(selected, candidates[0].chunk)
	}

	return selected, nil
}

// FormatChunks renders retrieved chunks for the chairman's system prompt,
// labeling each with its stage and source so the model can weight them.
func FormatChunks(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}

	var b strings.Builder
	for _, c := range chunks {
		fmt.Fprintf(&b, "[turn %d, %s, %s]\n%s\n\n", c.TurnIndex, c.Stage, c.Model, c.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
