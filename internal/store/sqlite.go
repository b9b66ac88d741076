// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Creates its schema on open and stores timestamps as fixed-width UTC text

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for a
// throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS work_groups (
			label        TEXT PRIMARY KEY,
			channel_id   TEXT NOT NULL UNIQUE,
			work_enabled INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS membership_events (
			event_id    TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			group_label TEXT NOT NULL,
			identity    TEXT NOT NULL,
			detail      TEXT,
			created_at  TEXT NOT NULL,

			CHECK (kind IN ('assigned', 'disconnected', 'evicted', 'cleared', 'rejected_pong'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_created ON membership_events(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_events_identity ON membership_events(identity);
		CREATE INDEX IF NOT EXISTS idx_events_group ON membership_events(group_label, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is fixed-width so stored timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// CreateGroup inserts a group. Returns ErrDuplicateGroup if the label exists.
func (s *SQLiteStore) CreateGroup(ctx context.Context, g *Group) error {
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_groups (label, channel_id, work_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, g.Label, g.ChannelID, g.WorkEnabled, formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateGroup
		}
		return fmt.Errorf("inserting group: %w", err)
	}
	return nil
}

// GetGroup returns the group with the given label.
func (s *SQLiteStore) GetGroup(ctx context.Context, label string) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT label, channel_id, work_enabled, created_at, updated_at
		FROM work_groups WHERE label = ?
	`, label)

	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

// ListGroups returns all groups ordered by label.
func (s *SQLiteStore) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label, channel_id, work_enabled, created_at, updated_at
		FROM work_groups ORDER BY label
	`)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	groups := []*Group{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating groups: %w", err)
	}
	return groups, nil
}

func scanGroup(scanner interface{ Scan(dest ...any) error }) (*Group, error) {
	var g Group
	var created, updated string
	if err := scanner.Scan(&g.Label, &g.ChannelID, &g.WorkEnabled, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning group: %w", err)
	}

	var err error
	if g.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if g.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &g, nil
}

// SetGroupWork updates a group's work-enabled flag.
func (s *SQLiteStore) SetGroupWork(ctx context.Context, label string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_groups SET work_enabled = ?, updated_at = ? WHERE label = ?
	`, enabled, formatTime(time.Now()), label)
	if err != nil {
		return fmt.Errorf("updating group: %w", err)
	}
	return requireAffected(res)
}

// DeleteGroup removes a group definition. Its audit events are kept.
func (s *SQLiteStore) DeleteGroup(ctx context.Context, label string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM work_groups WHERE label = ?`, label)
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent records a membership event, filling in ID and CreatedAt when unset.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *MembershipEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO membership_events (event_id, kind, group_label, identity, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.Kind), e.GroupLabel, e.Identity, e.Detail, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting membership event: %w", err)
	}
	return nil
}

const eventsQuery = `
	SELECT event_id, kind, group_label, identity, COALESCE(detail, ''), created_at
	FROM membership_events
	WHERE (? = '' OR group_label = ?)
	  AND (? = '' OR identity = ?)
	  AND (? = '' OR kind = ?)
	  AND (? IS NULL OR created_at >= ?)
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?
`

// ListEvents returns matching events, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]*MembershipEvent, error) {
	var since *string
	if f.Since != nil {
		str := formatTime(*f.Since)
		since = &str
	}
	kind := string(f.Kind)

	rows, err := s.db.QueryContext(ctx, eventsQuery,
		f.GroupLabel, f.GroupLabel,
		f.Identity, f.Identity,
		kind, kind,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying membership events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*MembershipEvent{}
	for rows.Next() {
		var e MembershipEvent
		var kindStr, created string
		if err := rows.Scan(&e.ID, &kindStr, &e.GroupLabel, &e.Identity, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scanning membership event: %w", err)
		}
		e.Kind = EventKind(kindStr)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating membership events: %w", err)
	}
	return events, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
