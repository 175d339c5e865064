package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/hive-core/internal/infrastructure/database"
)

// Listing limits.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Query filters List. Zero values mean "no filter".
type Query struct {
	DeviceID     string
	Notification string
	From         time.Time // inclusive
	To           time.Time // exclusive
	Limit        int
}

// Repository is the persistence gateway for notifications.
type Repository interface {
	// Store inserts n, assigns its id and returns it.
	// Returns ErrIDAssigned if n was already stored.
	Store(ctx context.Context, n *Notification) (int64, error)

	// Fetch returns the notification with the given id.
	// Returns ErrNotFound if it does not exist.
	Fetch(ctx context.Context, id int64) (*Notification, error)

	// List returns notifications matching q, oldest first.
	List(ctx context.Context, q Query) ([]*Notification, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Store inserts n and assigns the generated id.
func (r *SQLiteRepository) Store(ctx context.Context, n *Notification) (int64, error) {
	if n.ID() != 0 {
		return 0, fmt.Errorf("%w: %d", ErrIDAssigned, n.ID())
	}
	if n.Timestamp().IsZero() {
		n.SetTimestamp(time.Now())
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (device_id, notification, parameters, timestamp)
		VALUES (?, ?, ?, ?)`,
		nullableString(n.DeviceID),
		n.Notification,
		n.Parameters,
		database.FormatTime(n.Timestamp()),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting notification: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading notification id: %w", err)
	}
	if err := n.AssignID(id); err != nil {
		return 0, err
	}
	return id, nil
}

// Fetch retrieves a notification by id.
func (r *SQLiteRepository) Fetch(ctx context.Context, id int64) (*Notification, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, device_id, notification, parameters, timestamp
		FROM notifications
		WHERE id = ?`, id)

	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying notification %d: %w", id, err)
	}
	return n, nil
}

// List retrieves notifications matching q ordered by timestamp then id.
func (r *SQLiteRepository) List(ctx context.Context, q Query) ([]*Notification, error) {
	var (
		where []string
		args  []any
	)
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.Notification != "" {
		where = append(where, "notification = ?")
		args = append(args, q.Notification)
	}
	if !q.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, database.FormatTime(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, database.FormatTime(q.To))
	}

	query := "SELECT id, device_id, notification, parameters, timestamp FROM notifications"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp, id LIMIT ?"
	args = append(args, clampLimit(q.Limit))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notifications: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(s scanner) (*Notification, error) {
	var (
		id        int64
		deviceID  sql.NullString
		name      string
		params    Parameters
		timestamp string
	)
	if err := s.Scan(&id, &deviceID, &name, &params, &timestamp); err != nil {
		return nil, err
	}

	ts, err := database.ParseTime(timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}

	return &Notification{
		id:           id,
		timestamp:    ts,
		Notification: name,
		Parameters:   params,
		DeviceID:     deviceID.String,
	}, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
