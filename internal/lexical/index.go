// Package lexical provides keyword search over the corpus via SQLite FTS5,
// with Swedish stemming and compound expansion at query time.
package lexical

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/rattsdata/rattsvar/internal/observability"
)

// Hit is a single lexical search result.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
	Title string  `json:"title,omitempty"`
}

// Index is the FTS5-backed lexical index. Read-only at serving time; the
// corpus is written by the external indexer.
type Index struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) the index database.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open lexical index: %w", err)
	}

	idx := &Index{
		db:     db,
		logger: observability.Logger("lexical"),
	}
	if err := idx.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) ensureSchema() error {
	_, err := idx.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS corpus_fts USING fts5(
			doc_id UNINDEXED,
			title,
			content,
			tokenize = 'unicode61 remove_diacritics 0'
		)
	`)
	if err != nil {
		return fmt.Errorf("create fts table: %w", err)
	}
	return nil
}

// Add indexes one document. Used by tests and by the offline indexer.
func (idx *Index) Add(ctx context.Context, id, title, content string) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT INTO corpus_fts (doc_id, title, content) VALUES (?, ?, ?)`,
		id, title, content)
	if err != nil {
		return fmt.Errorf("index document %s: %w", id, err)
	}
	return nil
}

// Count returns the number of indexed rows.
func (idx *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := idx.db.QueryRowContext(ctx, `SELECT count(*) FROM corpus_fts`).Scan(&n)
	return n, err
}

// Search runs a keyword query. The query is tokenized, stemmed and
// compound-expanded into an OR-group FTS5 match expression; results are
// BM25-ranked.
func (idx *Index) Search(ctx context.Context, query string, cutoff int) ([]Hit, error) {
	if cutoff <= 0 {
		cutoff = 10
	}

	ftsQuery := idx.prepareQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	start := time.Now()

	rows, err := idx.db.QueryContext(ctx, `
		SELECT doc_id, title, snippet(corpus_fts, 2, '', '', '…', 24),
		       bm25(corpus_fts, 0.0, 2.0, 1.0) AS score
		FROM corpus_fts
		WHERE corpus_fts MATCH ?
		ORDER BY score ASC
		LIMIT ?
	`, ftsQuery, cutoff)
	if err != nil {
		return nil, fmt.Errorf("lexical query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var score float64
		if err := rows.Scan(&h.ID, &h.Title, &h.Text, &score); err != nil {
			idx.logger.Warn().Err(err).Msg("scan lexical result")
			continue
		}
		// BM25 scores are negative in FTS5; flip so higher is better.
		h.Score = -score
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lexical results: %w", err)
	}

	idx.logger.Debug().
		Str("query", query).
		Str("fts_query", ftsQuery).
		Int("hits", len(hits)).
		Dur("duration", time.Since(start)).
		Msg("lexical search completed")

	return hits, nil
}

// prepareQuery builds the FTS5 match expression. Each input token expands
// to an OR-group of its surface form (prefix-matched), its stem and any
// decompounded parts; groups are ANDed when there are few tokens, ORed
// otherwise to avoid over-constraining long queries.
func (idx *Index) prepareQuery(query string) string {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return ""
	}

	groups := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		variants := make(map[string]bool)
		for _, part := range ExpandCompounds(tok) {
			variants[part] = true
			if st := Stem(part); st != part {
				variants[st] = true
			}
		}

		alts := make([]string, 0, len(variants))
		for v := range variants {
			v = strings.ReplaceAll(v, `"`, `""`)
			alts = append(alts, fmt.Sprintf(`"%s"*`, v))
		}
		groups = append(groups, "("+strings.Join(alts, " OR ")+")")
	}

	joiner := " AND "
	if len(groups) > 4 {
		joiner = " OR "
	}
	return strings.Join(groups, joiner)
}

// HealthCheck verifies the index answers queries.
func (idx *Index) HealthCheck(ctx context.Context) error {
	_, err := idx.Count(ctx)
	return err
}

// Close closes the database.
func (idx *Index) Close() error {
	return idx.db.Close()
}
