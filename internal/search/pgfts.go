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

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across canvases and text objects using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if (q.FilterType == "" || q.FilterType == ResultCanvas) && q.FilterCanvasID == "" {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'canvas'::text AS type, c.id, c.name AS title,
				''::text AS snippet,
				c.id AS canvas_id,
				ts_rank(c.fts, %s) AS rank
			FROM canvases c
			WHERE c.fts @@ %s`, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultText {
		textWhere := "o.type = 'text' AND o.fts @@ " + tsQuery
		if q.FilterCanvasID != "" {
			textWhere += fmt.Sprintf(" AND o.canvas_id = $%d", argN)
			args = append(args, q.FilterCanvasID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'text'::text AS type, o.id, ''::text AS title,
				ts_headline('english', coalesce(o.type_properties->>'text', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				o.canvas_id,
				ts_rank(o.fts, %s) AS rank
			FROM canvas_objects o
			WHERE %s`, tsQuery, tsQuery, textWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, canvas_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

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
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.CanvasID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CanvasRecord, []TextRecord, error) {
	canvasRows, err := p.db.QueryContext(ctx, `SELECT id, name FROM canvases`)
	if err != nil {
		return nil, nil, fmt.Errorf("load canvases: %w", err)
	}
	defer canvasRows.Close()

	canvases := make([]CanvasRecord, 0)
	for canvasRows.Next() {
		var c CanvasRecord
		if err := canvasRows.Scan(&c.ID, &c.Name); err != nil {
			return nil, nil, fmt.Errorf("scan canvas: %w", err)
		}
		canvases = append(canvases, c)
	}
	if err := canvasRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate canvases: %w", err)
	}

	textRows, err := p.db.QueryContext(ctx, `
		SELECT id, coalesce(type_properties->>'text', ''), canvas_id
		FROM canvas_objects
		WHERE type = 'text'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load text objects: %w", err)
	}
	defer textRows.Close()

	texts := make([]TextRecord, 0)
	for textRows.Next() {
		var t TextRecord
		if err := textRows.Scan(&t.ID, &t.Text, &t.CanvasID); err != nil {
			return nil, nil, fmt.Errorf("scan text object: %w", err)
		}
		texts = append(texts, t)
	}
	if err := textRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate text objects: %w", err)
	}

	return canvases, texts, nil
}
