// Package history stores finished handstand sessions in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/handstand-coach/posture-service/models"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

var (
	ErrNotFound    = errors.New("history record not found")
	ErrInvalidUser = errors.New("user id is required")
)

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at path and migrates it to the
// latest schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession inserts one finished session and returns the stored record.
func (s *Store) SaveSession(ctx context.Context, userID string, duration time.Duration, date time.Time) (models.HistoryRecord, error) {
	if userID == "" {
		return models.HistoryRecord{}, ErrInvalidUser
	}
	if duration < 0 {
		return models.HistoryRecord{}, fmt.Errorf("negative duration %s", duration)
	}

	rec := models.HistoryRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		Duration:  duration.Seconds(),
		Date:      date.UTC(),
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handstand_history (id, user_id, duration_seconds, date_unix_ms, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Duration, rec.Date.UnixMilli(), rec.CreatedAt,
	)
	if err != nil {
		return models.HistoryRecord{}, fmt.Errorf("insert session: %w", err)
	}

	s.logger.Debug("session stored",
		zap.String("id", rec.ID),
		zap.String("user_id", userID),
		zap.Float64("duration_seconds", rec.Duration))
	return rec, nil
}

// List returns one page of a user's sessions, newest first.
func (s *Store) List(ctx context.Context, userID string, limit, offset int) (models.HistoryPage, error) {
	if userID == "" {
		return models.HistoryPage{}, ErrInvalidUser
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM handstand_history WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return models.HistoryPage{}, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, duration_seconds, date_unix_ms, created_at
		FROM handstand_history
		WHERE user_id = ?
		ORDER BY date_unix_ms DESC, id
		LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return models.HistoryPage{}, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	records := make([]models.HistoryRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return models.HistoryPage{}, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return models.HistoryPage{}, fmt.Errorf("iterate sessions: %w", err)
	}

	return models.HistoryPage{
		Records: records,
		Total:   total,
		HasMore: offset+len(records) < total,
	}, nil
}

// Delete removes one of the user's sessions. Records owned by someone else
// are reported as not found.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	if userID == "" {
		return ErrInvalidUser
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM handstand_history WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Summary aggregates all of a user's sessions.
func (s *Store) Summary(ctx context.Context, userID string) (models.HistorySummary, error) {
	if userID == "" {
		return models.HistorySummary{}, ErrInvalidUser
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT duration_seconds, date_unix_ms
		FROM handstand_history
		WHERE user_id = ?`, userID)
	if err != nil {
		return models.HistorySummary{}, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var (
		durations []float64
		lastMs    int64
	)
	for rows.Next() {
		var d float64
		var ms int64
		if err := rows.Scan(&d, &ms); err != nil {
			return models.HistorySummary{}, fmt.Errorf("scan session: %w", err)
		}
		durations = append(durations, d)
		if ms > lastMs {
			lastMs = ms
		}
	}
	if err := rows.Err(); err != nil {
		return models.HistorySummary{}, fmt.Errorf("iterate sessions: %w", err)
	}

	summary := models.HistorySummary{Sessions: len(durations)}
	if len(durations) == 0 {
		return summary, nil
	}
	summary.TotalSeconds = floats.Sum(durations)
	summary.Longest = floats.Max(durations)
	summary.Mean = stat.Mean(durations, nil)
	last := time.UnixMilli(lastMs).UTC()
	summary.LastSession = &last
	return summary, nil
}

func scanRecord(rows *sql.Rows) (models.HistoryRecord, error) {
	var (
		rec    models.HistoryRecord
		dateMs int64
	)
	if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Duration, &dateMs, &rec.CreatedAt); err != nil {
		return models.HistoryRecord{}, fmt.Errorf("scan session: %w", err)
	}
	rec.Date = time.UnixMilli(dateMs).UTC()
	return rec, nil
}
