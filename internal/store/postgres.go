package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidPatch marks a mutation payload the store refuses outright.
	// The operation queue treats it as a permanent failure.
	ErrInvalidPatch = errors.New("invalid patch")
)

// patchColumns whitelists the object fields a partial update may touch,
// keyed by wire name.
var patchColumns = map[string]string{
	"x":              "x",
	"y":              "y",
	"width":          "width",
	"height":         "height",
	"rotation":       "rotation",
	"fill":           "fill",
	"stroke":         "stroke",
	"opacity":        "opacity",
	"typeProperties": "type_properties",
	"zIndex":         "z_index",
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ListCanvases(ctx context.Context) ([]Canvas, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_by, created_at, updated_at
		FROM canvases
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list canvases: %w", err)
	}
	defer rows.Close()

	items := make([]Canvas, 0)
	for rows.Next() {
		var item Canvas
		if err := rows.Scan(&item.ID, &item.Name, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan canvas: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canvases: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCanvas(ctx context.Context, canvasID string) (Canvas, error) {
	var item Canvas
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_by, created_at, updated_at
		FROM canvases
		WHERE id=$1
	`, canvasID).Scan(&item.ID, &item.Name, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Canvas{}, fmt.Errorf("canvas %s: %w", canvasID, ErrNotFound)
	}
	if err != nil {
		return Canvas{}, fmt.Errorf("get canvas: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertCanvas(ctx context.Context, item Canvas) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canvases (id, name, created_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Name, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert canvas: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCanvas(ctx context.Context, canvasID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM canvases WHERE id=$1`, canvasID)
	if err != nil {
		return fmt.Errorf("delete canvas: %w", err)
	}
	return nil
}

const objectColumns = `id, canvas_id, type, x, y, width, height, rotation,
	fill, stroke, opacity, type_properties, z_index,
	locked_by, lock_acquired_at, created_by, created_at, updated_at`

func (s *PostgresStore) ListObjects(ctx context.Context, canvasID string) ([]Object, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+objectColumns+`
		FROM canvas_objects
		WHERE canvas_id=$1
		ORDER BY z_index ASC
	`, canvasID)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	items := make([]Object, 0)
	for rows.Next() {
		item, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate objects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetObject(ctx context.Context, objectID string) (Object, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+objectColumns+`
		FROM canvas_objects
		WHERE id=$1
	`, objectID)
	item, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, fmt.Errorf("object %s: %w", objectID, ErrNotFound)
	}
	if err != nil {
		return Object{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertObject(ctx context.Context, item Object) error {
	props := item.TypeProperties
	if len(props) == 0 {
		props = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canvas_objects
			(id, canvas_id, type, x, y, width, height, rotation,
			 fill, stroke, opacity, type_properties, z_index, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.CanvasID, item.Type, item.X, item.Y, item.Width, item.Height,
		item.Rotation, item.Fill, item.Stroke, item.Opacity, []byte(props),
		item.ZIndex, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert object: %w", err)
	}
	return nil
}

// UpdateObjectFields applies a partial update. Unknown fields make the whole
// patch invalid so a corrupted queued operation can never half-apply.
func (s *PostgresStore) UpdateObjectFields(ctx context.Context, objectID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}

	fields := make([]string, 0, len(patch))
	for field := range patch {
		if _, ok := patchColumns[field]; !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidPatch, field)
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	assignments := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+1)
	args = append(args, objectID)
	for i, field := range fields {
		value := patch[field]
		if field == "typeProperties" {
			encoded, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("%w: typeProperties: %v", ErrInvalidPatch, err)
			}
			value = encoded
		}
		assignments = append(assignments, fmt.Sprintf("%s=$%d", patchColumns[field], i+2))
		args = append(args, value)
	}
	assignments = append(assignments, "updated_at=NOW()")

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE canvas_objects SET %s WHERE id=$1`,
		strings.Join(assignments, ", "),
	), args...)
	if err != nil {
		return fmt.Errorf("update object %s: %w", objectID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update object rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("object %s: %w", objectID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteObject(ctx context.Context, objectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM canvas_objects WHERE id=$1`, objectID)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// AcquireLock claims the object for sessionID. The conditional update makes
// the row the single arbiter: it succeeds only when the lock is free, held
// by the same session, or stale past lockTimeout, so two sessions racing a
// stale lock resolve to exactly one owner.
func (s *PostgresStore) AcquireLock(ctx context.Context, objectID, sessionID string, lockTimeout time.Duration) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE canvas_objects
		SET locked_by=$2, lock_acquired_at=NOW()
		WHERE id=$1
			AND (locked_by IS NULL
				OR locked_by=$2
				OR lock_acquired_at IS NULL
				OR lock_acquired_at < NOW() - make_interval(secs => $3))
	`, objectID, sessionID, lockTimeout.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", objectID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock rows: %w", err)
	}
	return affected == 1, nil
}

// ReleaseLock clears the lock only when held by sessionID, so a late
// release cannot evict a lock another session has since reclaimed.
func (s *PostgresStore) ReleaseLock(ctx context.Context, objectID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE canvas_objects
		SET locked_by=NULL, lock_acquired_at=NULL
		WHERE id=$1 AND locked_by=$2
	`, objectID, sessionID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", objectID, err)
	}
	return nil
}

func (s *PostgresStore) InsertShareLink(ctx context.Context, link ShareLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (id, token, canvas_id, created_by, password_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, link.ID, link.Token, link.CanvasID, link.CreatedBy, link.PasswordHash, link.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShareLinkByToken(ctx context.Context, token string) (ShareLink, error) {
	var link ShareLink
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token, canvas_id, created_by, password_hash, expires_at,
			access_count, last_accessed_at, created_at, revoked_at
		FROM share_links
		WHERE token=$1
	`, token).Scan(&link.ID, &link.Token, &link.CanvasID, &link.CreatedBy,
		&link.PasswordHash, &link.ExpiresAt, &link.AccessCount,
		&link.LastAccessedAt, &link.CreatedAt, &link.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ShareLink{}, fmt.Errorf("share link: %w", ErrNotFound)
	}
	if err != nil {
		return ShareLink{}, fmt.Errorf("get share link: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) RevokeShareLink(ctx context.Context, linkID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE share_links SET revoked_at=NOW() WHERE id=$1`, linkID)
	if err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordShareAccess(ctx context.Context, linkID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE share_links
		SET access_count=access_count+1, last_accessed_at=NOW()
		WHERE id=$1
	`, linkID)
	if err != nil {
		return fmt.Errorf("record share access: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (Object, error) {
	var item Object
	var props []byte
	err := row.Scan(&item.ID, &item.CanvasID, &item.Type, &item.X, &item.Y,
		&item.Width, &item.Height, &item.Rotation, &item.Fill, &item.Stroke,
		&item.Opacity, &props, &item.ZIndex, &item.LockedBy,
		&item.LockAcquiredAt, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Object{}, err
		}
		return Object{}, fmt.Errorf("scan object: %w", err)
	}
	item.TypeProperties = json.RawMessage(props)
	return item, nil
}
