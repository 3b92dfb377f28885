// Package facts is the long-term memory of the assistant: taught facts
// stored with their embedding vectors and retrieved by cosine similarity.
package facts

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/synthia-ai/synthia/internal/embeddings"
)

var (
	// ErrRetrievalUnavailable wraps any embedder or storage failure during
	// a query. Callers treat it as "no facts" rather than a turn failure.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrDimensionMismatch is returned when a vector does not match the
	// dimensionality recorded by the first insert.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmptyFact is returned when teaching blank text.
	ErrEmptyFact = errors.New("fact text is empty")
)

// Fact is a taught piece of knowledge. Facts are never mutated.
type Fact struct {
	ID        uuid.UUID `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`

	embedding []float32
	seq       int64
}

// Scored is a query hit.
type Scored struct {
	Fact
	Similarity float64 `json:"similarity"`
}

// Index stores facts in SQLite and answers exact nearest-neighbour
// queries from an in-memory copy of the vectors. The copy is append-only,
// so queries run without holding the lock while scoring.
type Index struct {
	db       *sql.DB
	embedder embeddings.Embedder
	logger   *slog.Logger

	mu    sync.RWMutex
	facts []Fact
	dim   int
}

// Open creates an index backed by the SQLite file at dbPath.
func Open(dbPath string, embedder embeddings.Embedder, logger *slog.Logger) (*Index, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	idx, err := NewIndex(db, embedder, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// NewIndex creates an index on an existing database connection and loads
// stored vectors into memory.
func NewIndex(db *sql.DB, embedder embeddings.Embedder, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &Index{
		db:       db,
		embedder: embedder,
		logger:   logger.With("component", "facts"),
	}
	if err := idx.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := idx.load(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_facts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			text TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS index_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

func (idx *Index) load() error {
	var dimStr string
	err := idx.db.QueryRow(`SELECT value FROM index_meta WHERE key = 'dimension'`).Scan(&dimStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read dimension: %w", err)
	default:
		if idx.dim, err = strconv.Atoi(dimStr); err != nil {
			return fmt.Errorf("parse dimension %q: %w", dimStr, err)
		}
	}

	rows, err := idx.db.Query(`SELECT seq, id, text, embedding, created_at FROM memory_facts ORDER BY seq`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f         Fact
			id        string
			blob      []byte
			createdAt string
		)
		if err := rows.Scan(&f.seq, &id, &f.Text, &blob, &createdAt); err != nil {
			return err
		}
		if f.ID, err = uuid.Parse(id); err != nil {
			return fmt.Errorf("fact %d: parse id: %w", f.seq, err)
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		f.embedding = decodeEmbedding(blob)
		idx.facts = append(idx.facts, f)
	}
	return rows.Err()
}

// Close closes the database connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Dimension returns the vector size fixed by the first insert, or 0.
func (idx *Index) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// Insert embeds text and stores it as a new fact.
func (idx *Index) Insert(ctx context.Context, text string) (uuid.UUID, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return uuid.Nil, ErrEmptyFact
	}

	vec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return uuid.Nil, fmt.Errorf("embed fact: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.dim != 0 && len(vec) != idx.dim {
		return uuid.Nil, fmt.Errorf("%w: got %d, index uses %d", ErrDimensionMismatch, len(vec), idx.dim)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if idx.dim == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO index_meta (key, value) VALUES ('dimension', ?)`, strconv.Itoa(len(vec))); err != nil {
			return uuid.Nil, fmt.Errorf("record dimension: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO memory_facts (id, text, embedding, created_at) VALUES (?, ?, ?, ?)`,
		id.String(), text, encodeEmbedding(vec), now.Format(time.RFC3339Nano))
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit: %w", err)
	}

	idx.dim = len(vec)
	idx.facts = append(idx.facts, Fact{
		ID:        id,
		Text:      text,
		CreatedAt: now,
		embedding: vec,
		seq:       seq,
	})

	idx.logger.Debug("fact stored", "id", id, "dimension", len(vec))
	return id, nil
}

// Query returns at most k facts whose cosine similarity to text is
// strictly greater than minSimilarity, best first. Equal scores keep
// insertion order. Any failure is reported as ErrRetrievalUnavailable.
func (idx *Index) Query(ctx context.Context, text string, k int, minSimilarity float64) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	snapshot := idx.facts
	dim := idx.dim
	idx.mu.RUnlock()

	if len(snapshot) == 0 {
		return nil, nil
	}

	vec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrRetrievalUnavailable, err)
	}
	if len(vec) != dim {
		return nil, fmt.Errorf("%w: %w: query has %d, index uses %d",
			ErrRetrievalUnavailable, ErrDimensionMismatch, len(vec), dim)
	}

	hits := make([]Scored, 0, len(snapshot))
	for _, f := range snapshot {
		sim := embeddings.CosineSimilarity(vec, f.embedding)
		if sim > minSimilarity {
			hits = append(hits, Scored{Fact: f, Similarity: sim})
		}
	}

	// snapshot is in insertion order, so a stable sort keeps ties ordered.
	slices.SortStableFunc(hits, func(a, b Scored) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// List returns all facts in insertion order.
func (idx *Index) List() []Fact {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Fact, len(idx.facts))
	copy(out, idx.facts)
	return out
}

// Count returns the number of stored facts.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.facts)
}
