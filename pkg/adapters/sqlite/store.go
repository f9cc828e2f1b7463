// Package sqlite implements the journey repository and engagement store on
// an embedded SQLite database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/aretw0/itinerary/pkg/adapters/sqlite/migrations"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/ports"
)

// Store provides SQLite-backed journey, prospect and engagement persistence.
type Store struct {
	sqlDB *sql.DB
}

var (
	_ ports.JourneyRepository = (*Store)(nil)
	_ ports.EngagementStore   = (*Store)(nil)
)

// Open opens a SQLite store at path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; readers share it too, which keeps version checks simple.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// Create inserts a journey and its prospects in one transaction.
func (s *Store) Create(ctx context.Context, j *domain.Journey) error {
	graph, err := json.Marshal(j.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create journey: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO journeys (
	id, title, description, status, graph,
	sent, opened, clicked, completed, failed, bounced, unsubscribed,
	created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		j.ID, j.Title, j.Description, string(j.Status), string(graph),
		j.Stats.Sent, j.Stats.Opened, j.Stats.Clicked, j.Stats.Completed,
		j.Stats.Failed, j.Stats.Bounced, j.Stats.Unsubscribed,
		millis(j.CreatedAt), millis(j.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrJourneyExists, j.ID)
		}
		return fmt.Errorf("insert journey: %w", err)
	}
	if err := insertProspects(ctx, tx, j.ID, j.Prospects); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create journey: %w", err)
	}
	return nil
}

func insertProspects(ctx context.Context, tx *sql.Tx, journeyID string, prospects []domain.Prospect) error {
	for _, p := range prospects {
		p.JourneyID = journeyID
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal prospect %s: %w", p.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT OR IGNORE INTO prospects (journey_id, id, status, next_execute_at, version, data)
VALUES (?, ?, ?, ?, ?, ?)
`, journeyID, p.ID, string(p.Status), millis(p.NextExecuteAt), p.Version, string(data))
		if err != nil {
			return fmt.Errorf("insert prospect %s: %w", p.ID, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const journeyColumns = `id, title, description, status, graph,
	sent, opened, clicked, completed, failed, bounced, unsubscribed,
	created_at, updated_at`

func scanJourney(row rowScanner) (*domain.Journey, error) {
	var (
		j                domain.Journey
		status, graph    string
		created, updated int64
	)
	err := row.Scan(&j.ID, &j.Title, &j.Description, &status, &graph,
		&j.Stats.Sent, &j.Stats.Opened, &j.Stats.Clicked, &j.Stats.Completed,
		&j.Stats.Failed, &j.Stats.Bounced, &j.Stats.Unsubscribed,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(graph), &j.Graph); err != nil {
		return nil, fmt.Errorf("corrupt graph for journey %s: %w", j.ID, err)
	}
	j.Status = domain.JourneyStatus(status)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

func scanProspect(row rowScanner) (domain.Prospect, error) {
	var (
		p         domain.Prospect
		journeyID string
		data      string
		version   int64
	)
	if err := row.Scan(&journeyID, &data, &version); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return p, fmt.Errorf("corrupt prospect in journey %s: %w", journeyID, err)
	}
	p.JourneyID = journeyID
	p.Version = version
	return p, nil
}

// Load returns the journey with its prospects in insertion order.
func (s *Store) Load(ctx context.Context, journeyID string) (*domain.Journey, error) {
	row := s.sqlDB.QueryRowContext(ctx, "SELECT "+journeyColumns+" FROM journeys WHERE id = ?", journeyID)
	j, err := scanJourney(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJourneyNotFound, journeyID)
	}
	if err != nil {
		return nil, fmt.Errorf("load journey: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT journey_id, data, version FROM prospects
WHERE journey_id = ?
ORDER BY rowid
`, journeyID)
	if err != nil {
		return nil, fmt.Errorf("load prospects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, err
		}
		j.Prospects = append(j.Prospects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load prospects: %w", err)
	}
	return j, nil
}

// List returns every journey without prospects, ordered by ID.
func (s *Store) List(ctx context.Context) ([]domain.Journey, error) {
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT "+journeyColumns+" FROM journeys ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list journeys: %w", err)
	}
	defer rows.Close()

	var out []domain.Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list journeys: %w", err)
	}
	return out, nil
}

func (s *Store) updateJourney(ctx context.Context, journeyID, query string, args ...any) error {
	res, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJourneyNotFound, journeyID)
	}
	return nil
}

// UpdateGraph replaces the graph column only.
func (s *Store) UpdateGraph(ctx context.Context, journeyID string, g domain.Graph, now time.Time) error {
	graph, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	err = s.updateJourney(ctx, journeyID,
		"UPDATE journeys SET graph = ?, updated_at = ? WHERE id = ?",
		string(graph), millis(now), journeyID)
	if err != nil {
		return fmt.Errorf("update graph: %w", err)
	}
	return nil
}

// SetStatus updates the status column only.
func (s *Store) SetStatus(ctx context.Context, journeyID string, status domain.JourneyStatus, now time.Time) error {
	err := s.updateJourney(ctx, journeyID,
		"UPDATE journeys SET status = ?, updated_at = ? WHERE id = ?",
		string(status), millis(now), journeyID)
	if err != nil {
		return fmt.Errorf("set journey status: %w", err)
	}
	return nil
}

// IncrementCounters adds delta with a single UPDATE.
func (s *Store) IncrementCounters(ctx context.Context, journeyID string, delta domain.Counters) error {
	err := s.updateJourney(ctx, journeyID, `
UPDATE journeys SET
	sent = sent + ?,
	opened = opened + ?,
	clicked = clicked + ?,
	completed = completed + ?,
	failed = failed + ?,
	bounced = bounced + ?,
	unsubscribed = unsubscribed + ?
WHERE id = ?
`,
		delta.Sent, delta.Opened, delta.Clicked, delta.Completed,
		delta.Failed, delta.Bounced, delta.Unsubscribed, journeyID)
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	return nil
}

func journeyExists(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, journeyID string) error {
	var found int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM journeys WHERE id = ?", journeyID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrJourneyNotFound, journeyID)
	}
	if err != nil {
		return fmt.Errorf("read journey: %w", err)
	}
	return nil
}

// AddProspects inserts prospects whose IDs are new.
func (s *Store) AddProspects(ctx context.Context, journeyID string, prospects []domain.Prospect) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add prospects: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := journeyExists(ctx, tx, journeyID); err != nil {
		return err
	}
	if err := insertProspects(ctx, tx, journeyID, prospects); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add prospects: %w", err)
	}
	return nil
}

// GetProspect returns one prospect.
func (s *Store) GetProspect(ctx context.Context, journeyID, prospectID string) (*domain.Prospect, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT journey_id, data, version FROM prospects WHERE journey_id = ? AND id = ?",
		journeyID, prospectID)
	p, err := scanProspect(row)
	if errors.Is(err, sql.ErrNoRows) {
		if err := journeyExists(ctx, s.sqlDB, journeyID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrProspectNotFound, prospectID)
	}
	if err != nil {
		return nil, fmt.Errorf("get prospect: %w", err)
	}
	return &p, nil
}

// SaveProspects updates each row only if its version still matches.
func (s *Store) SaveProspects(ctx context.Context, journeyID string, prospects []domain.Prospect) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save prospects: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range prospects {
		p.JourneyID = journeyID
		expected := p.Version
		p.Version = expected + 1
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal prospect %s: %w", p.ID, err)
		}
		res, err := tx.ExecContext(ctx, `
UPDATE prospects SET status = ?, next_execute_at = ?, version = version + 1, data = ?
WHERE journey_id = ? AND id = ? AND version = ?
`, string(p.Status), millis(p.NextExecuteAt), string(data), journeyID, p.ID, expected)
		if err != nil {
			return fmt.Errorf("save prospect %s: %w", p.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("save prospect %s: %w", p.ID, err)
		}
		if n == 1 {
			continue
		}

		var found int
		err = tx.QueryRowContext(ctx, "SELECT 1 FROM prospects WHERE journey_id = ? AND id = ?", journeyID, p.ID).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrProspectNotFound, p.ID)
		}
		if err != nil {
			return fmt.Errorf("save prospect %s: %w", p.ID, err)
		}
		return fmt.Errorf("%w: %s at version %d", domain.ErrVersionConflict, p.ID, expected)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save prospects: %w", err)
	}
	return nil
}

// ListDue joins prospects with active journeys, earliest first.
func (s *Store) ListDue(ctx context.Context, journeyID string, now time.Time, limit int) ([]domain.Prospect, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT p.journey_id, p.data, p.version
FROM prospects p
JOIN journeys j ON j.id = p.journey_id
WHERE j.status = ?
	AND p.status = ?
	AND p.next_execute_at <= ?
	AND (? = '' OR p.journey_id = ?)
ORDER BY p.next_execute_at, p.journey_id, p.id
LIMIT ?
`, string(domain.JourneyActive), string(domain.ProspectActive), millis(now), journeyID, journeyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list due prospects: %w", err)
	}
	defer rows.Close()

	var out []domain.Prospect
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, err
		}
		// next_execute_at is stored in whole milliseconds.
		if !p.Due(now) {
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due prospects: %w", err)
	}
	return out, nil
}

// Record stores a signal; exact duplicates are ignored.
func (s *Store) Record(ctx context.Context, e domain.Engagement) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown engagement kind %q", e.Kind)
	}
	if e.JourneyID == "" || e.ProspectID == "" {
		return fmt.Errorf("engagement needs journey and prospect ids")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO engagements (journey_id, prospect_id, kind, at, url, message_id)
VALUES (?, ?, ?, ?, ?, ?)
`, e.JourneyID, e.ProspectID, string(e.Kind), millis(e.At), e.URL, e.MessageID)
	if err != nil {
		return fmt.Errorf("record engagement: %w", err)
	}
	return nil
}

// Signals returns the prospect's signals at or after since, oldest first.
func (s *Store) Signals(ctx context.Context, journeyID, prospectID string, since time.Time) ([]domain.Engagement, error) {
	var from int64 = -1 << 62
	if !since.IsZero() {
		from = millis(since)
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT kind, at, url, message_id FROM engagements
WHERE journey_id = ? AND prospect_id = ? AND at >= ?
ORDER BY at, seq
`, journeyID, prospectID, from)
	if err != nil {
		return nil, fmt.Errorf("read engagement: %w", err)
	}
	defer rows.Close()

	var out []domain.Engagement
	for rows.Next() {
		var (
			kind string
			at   int64
			e    = domain.Engagement{JourneyID: journeyID, ProspectID: prospectID}
		)
		if err := rows.Scan(&kind, &at, &e.URL, &e.MessageID); err != nil {
			return nil, fmt.Errorf("read engagement: %w", err)
		}
		e.Kind = domain.EngagementKind(kind)
		e.At = fromMillis(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read engagement: %w", err)
	}
	return out, nil
}
