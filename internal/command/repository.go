package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/hive-core/internal/infrastructure/database"
	"github.com/nerrad567/hive-core/internal/notification"
)

// Repository is the persistence gateway for commands.
type Repository interface {
	// Store inserts c, assigning its id and initial version.
	Store(ctx context.Context, c *Command) (int64, error)

	// Fetch returns the command with the given id.
	// Returns ErrNotFound if it does not exist.
	Fetch(ctx context.Context, id int64) (*Command, error)

	// Update applies u under an optimistic lock and returns the new state.
	// Returns ErrNotFound, ErrVersionConflict or ErrExpired.
	Update(ctx context.Context, id int64, u Update) (*Command, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

const selectColumns = `
	SELECT id, device_id, command, parameters, lifetime, status, result,
		user_id, timestamp, version
	FROM commands`

// Store inserts a new command.
func (r *SQLiteRepository) Store(ctx context.Context, c *Command) (int64, error) {
	if c.ID() != 0 {
		return 0, fmt.Errorf("%w: %d", ErrIDAssigned, c.ID())
	}
	if c.Timestamp().IsZero() {
		c.SetTimestamp(r.now())
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO commands (
			device_id, command, parameters, lifetime, status, result,
			user_id, timestamp, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		c.DeviceID,
		c.Command,
		c.Parameters,
		c.Lifetime,
		c.Status,
		c.Result,
		c.UserID,
		database.FormatTime(c.Timestamp()),
		database.FormatTime(r.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting command: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading command id: %w", err)
	}
	if err := c.AssignID(id); err != nil {
		return 0, err
	}
	c.version = 1
	return id, nil
}

// Fetch retrieves a command by id.
func (r *SQLiteRepository) Fetch(ctx context.Context, id int64) (*Command, error) {
	return fetch(ctx, r.db, id)
}

// Update applies u inside a transaction. The row is only written if its
// version still matches what was read, so concurrent updates cannot both win.
func (r *SQLiteRepository) Update(ctx context.Context, id int64, u Update) (*Command, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	c, err := fetch(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if c.IsExpired(now) {
		return nil, fmt.Errorf("%w: command %d expired at %s", ErrExpired, id, c.ExpiresAt().Format(time.RFC3339))
	}
	if u.Version != 0 && u.Version != c.version {
		return nil, fmt.Errorf("%w: have %d, update names %d", ErrVersionConflict, c.version, u.Version)
	}

	u.apply(c)

	res, err := tx.ExecContext(ctx, `
		UPDATE commands
		SET status = ?, result = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		c.Status, c.Result, database.FormatTime(now), id, c.version,
	)
	if err != nil {
		return nil, fmt.Errorf("updating command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: command %d changed during update", ErrVersionConflict, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing command update: %w", err)
	}
	c.version++
	return c, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func fetch(ctx context.Context, q queryer, id int64) (*Command, error) {
	var (
		c         Command
		timestamp string
		params    notification.Parameters
		result    notification.Parameters
	)
	err := q.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id).Scan(
		&c.id, &c.DeviceID, &c.Command, &params, &c.Lifetime, &c.Status, &result,
		&c.UserID, &timestamp, &c.version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying command %d: %w", id, err)
	}

	ts, err := database.ParseTime(timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	c.timestamp = ts
	c.Parameters = params
	c.Result = result
	return &c, nil
}
