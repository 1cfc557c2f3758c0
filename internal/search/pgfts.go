package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over message content with ts_rank ordering and
// ts_headline snippets. The 'simple' config matches the messages GIN index.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "to_tsvector('simple', m.content) @@ plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	if q.FilterChannelID != "" {
		where += fmt.Sprintf(" AND m.channel_id = $%d", argN)
		args = append(args, q.FilterChannelID)
		argN++
	}
	if q.FilterServerID != "" {
		where += fmt.Sprintf(" AND c.server_id = $%d", argN)
		args = append(args, q.FilterServerID)
		argN++
	}

	countSQL := fmt.Sprintf(`
		SELECT count(*)
		FROM messages m
		JOIN channels c ON c.id = m.channel_id
		WHERE %s`, where)

	dataSQL := fmt.Sprintf(`
		SELECT m.id, m.channel_id, coalesce(c.server_id, ''), m.author_id,
			ts_headline('simple', m.content, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			extract(epoch FROM m.created_at)::bigint
		FROM messages m
		JOIN channels c ON c.id = m.channel_id
		WHERE %s
		ORDER BY ts_rank(to_tsvector('simple', m.content), plainto_tsquery('simple', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.ServerID, &r.AuthorID, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every message for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.channel_id, coalesce(c.server_id, ''), m.author_id, m.content,
			extract(epoch FROM m.created_at)::bigint
		FROM messages m
		JOIN channels c ON c.id = m.channel_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.ChannelID, &rec.ServerID, &rec.AuthorID, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return records, nil
}
