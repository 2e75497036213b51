package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"positionGuard/internal/domain"
	"positionGuard/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionStore, ports.FillEventStore,
// ports.AuditLog and ports.TimeTrackingStore on a single SQLite database.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/position_guard.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the two timer loops.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		credential TEXT NOT NULL,
		market TEXT NOT NULL,
		size REAL NOT NULL,
		remaining_size REAL NOT NULL,
		entry_price REAL NOT NULL,
		entry_order_id TEXT NOT NULL,
		tp1_size REAL NOT NULL,
		tp2_size REAL NOT NULL,
		runner_size REAL NOT NULL,
		tp1_price REAL NOT NULL,
		tp2_price REAL NOT NULL,
		tp1_order_id TEXT DEFAULT NULL,
		tp2_order_id TEXT DEFAULT NULL,
		stop_order_id TEXT DEFAULT NULL,
		original_stop_price REAL NOT NULL,
		stop_price REAL NOT NULL,
		phase TEXT NOT NULL,
		realized_pnl REAL NOT NULL DEFAULT 0,
		close_cause TEXT DEFAULT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fill_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id INTEGER NOT NULL,
		order_id TEXT NOT NULL UNIQUE,
		fill_type TEXT NOT NULL,
		size REAL NOT NULL,
		price REAL NOT NULL,
		inferred_at TIMESTAMP NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS action_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS time_tracking (
		position_id INTEGER PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		warning_sent INTEGER NOT NULL DEFAULT 0,
		force_close_attempted INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active'
	);

	CREATE INDEX IF NOT EXISTS idx_positions_phase ON positions (phase);
	CREATE INDEX IF NOT EXISTS idx_fill_events_position ON fill_events (position_id);
	CREATE INDEX IF NOT EXISTS idx_action_audit_position ON action_audit (position_id);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionStore Implementation ---

const positionColumns = `id, symbol, side, credential, market, size, remaining_size,
	entry_price, entry_order_id, tp1_size, tp2_size, runner_size, tp1_price, tp2_price,
	tp1_order_id, tp2_order_id, stop_order_id, original_stop_price, stop_price,
	phase, realized_pnl, COALESCE(close_cause, ''), created_at, updated_at`

// Create saves a new position and its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, side, credential, market, size, remaining_size,
		entry_price, entry_order_id, tp1_size, tp2_size, runner_size, tp1_price, tp2_price,
		tp1_order_id, tp2_order_id, stop_order_id, original_stop_price, stop_price,
		phase, realized_pnl, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = now
	}
	pos.UpdatedAt = now

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, string(pos.Side), pos.Scope.Credential, pos.Scope.Market,
		pos.Size, pos.RemainingSize, pos.EntryPrice, pos.EntryOrderID,
		pos.TP1Size, pos.TP2Size, pos.RunnerSize, pos.TP1Price, pos.TP2Price,
		pos.TP1OrderID, pos.TP2OrderID, pos.StopOrderID,
		pos.OriginalStopPrice, pos.StopPrice, string(pos.Phase), pos.RealizedPnL,
		pos.CreatedAt, pos.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	return id, nil
}

// FindByID retrieves a position by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w", id, err)
	}
	return pos, nil
}

// FindActive retrieves all positions in a non-terminal phase.
func (r *Repository) FindActive(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
	WHERE phase NOT IN (?, ?)
	ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, string(domain.PhaseCompleted), string(domain.PhaseStoppedOut))
	if err != nil {
		return nil, fmt.Errorf("failed to query active positions: %w", err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan active position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating active positions: %w", err)
	}
	return positions, nil
}

// ApplyPhaseTransition atomically moves a position to a new phase. The
// current phase and remaining size are read and validated inside the same
// transaction, so concurrent writers cannot produce an illegal transition or
// a negative size.
func (r *Repository) ApplyPhaseTransition(ctx context.Context, id int64, phase domain.Phase, remainingSize, realizedPnL float64, cause domain.CloseCause) error {
	if remainingSize < 0 {
		return fmt.Errorf("remaining size %f for position %d: %w", remainingSize, id, ports.ErrInvalidTransition)
	}
	if phase.IsTerminal() != (remainingSize == 0) {
		return fmt.Errorf("phase %s with remaining size %f for position %d: %w", phase, remainingSize, id, ports.ErrInvalidTransition)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition transaction for position %d: %w", id, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT phase FROM positions WHERE id = ?`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
		}
		return fmt.Errorf("failed to read phase for position %d: %w", id, err)
	}
	if !domain.Phase(current).CanTransitionTo(phase) {
		return fmt.Errorf("position %d: %s -> %s: %w", id, current, phase, ports.ErrInvalidTransition)
	}

	var causeArg interface{}
	if cause != "" {
		causeArg = string(cause)
	}
	_, err = tx.ExecContext(ctx, `
	UPDATE positions
	SET phase = ?, remaining_size = ?, realized_pnl = ?, close_cause = COALESCE(?, close_cause), updated_at = ?
	WHERE id = ?`,
		string(phase), remainingSize, realizedPnL, causeArg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update position %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition for position %d: %w", id, err)
	}
	r.logger.Debug(ctx, "Phase transition applied", map[string]interface{}{
		"positionID": id, "from": current, "to": string(phase), "remainingSize": remainingSize,
	})
	return nil
}

// ReplaceStopOrder atomically swaps the stored stop order id and price.
func (r *Repository) ReplaceStopOrder(ctx context.Context, id int64, orderID string, price float64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin stop replacement transaction for position %d: %w", id, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT phase FROM positions WHERE id = ?`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
		}
		return fmt.Errorf("failed to read phase for position %d: %w", id, err)
	}
	if domain.Phase(current).IsTerminal() {
		return fmt.Errorf("position %d: %w", id, ports.ErrPositionNotActive)
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE positions SET stop_order_id = ?, stop_price = ?, updated_at = ? WHERE id = ?`,
		orderID, price, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to replace stop order for position %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stop replacement for position %d: %w", id, err)
	}
	r.logger.Debug(ctx, "Stop order replaced", map[string]interface{}{"positionID": id, "orderID": orderID, "price": price})
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanPosition.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*domain.Position, error) {
	var pos domain.Position
	var side, phase, cause string
	var tp1ID, tp2ID, stopID sql.NullString

	err := s.Scan(
		&pos.ID, &pos.Symbol, &side, &pos.Scope.Credential, &pos.Scope.Market,
		&pos.Size, &pos.RemainingSize, &pos.EntryPrice, &pos.EntryOrderID,
		&pos.TP1Size, &pos.TP2Size, &pos.RunnerSize, &pos.TP1Price, &pos.TP2Price,
		&tp1ID, &tp2ID, &stopID, &pos.OriginalStopPrice, &pos.StopPrice,
		&phase, &pos.RealizedPnL, &cause, &pos.CreatedAt, &pos.UpdatedAt)
	if err != nil {
		return nil, err
	}

	pos.Side = domain.Side(side)
	pos.Phase = domain.Phase(phase)
	pos.CloseCause = domain.CloseCause(cause)
	if tp1ID.Valid {
		pos.TP1OrderID = &tp1ID.String
	}
	if tp2ID.Valid {
		pos.TP2OrderID = &tp2ID.String
	}
	if stopID.Valid {
		pos.StopOrderID = &stopID.String
	}
	return &pos, nil
}

// --- FillEventStore Implementation ---

// Record inserts a fill event, deduplicating on order id.
func (r *Repository) Record(ctx context.Context, ev *domain.OrderFillEvent) (bool, error) {
	const query = `
	INSERT INTO fill_events (position_id, order_id, fill_type, size, price, inferred_at, processed)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(order_id) DO NOTHING`

	if ev.InferredAt.IsZero() {
		ev.InferredAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx, query,
		ev.PositionID, ev.OrderID, string(ev.Type), ev.Size, ev.Price, ev.InferredAt, ev.Processed)
	if err != nil {
		return false, fmt.Errorf("failed to record fill event for order %s: %w", ev.OrderID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for fill event %s: %w", ev.OrderID, err)
	}
	if affected == 0 {
		r.logger.Debug(ctx, "Duplicate fill event ignored", map[string]interface{}{"orderID": ev.OrderID})
		return false, nil
	}
	id, err := result.LastInsertId()
	if err == nil {
		ev.ID = id
	}
	return true, nil
}

// MarkProcessed flags the fill event for the given order id as consumed.
func (r *Repository) MarkProcessed(ctx context.Context, orderID string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE fill_events SET processed = 1 WHERE order_id = ?`, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark fill event %s processed: %w", orderID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected marking fill event %s: %w", orderID, err)
	}
	if affected == 0 {
		return fmt.Errorf("fill event for order %s: %w", orderID, ports.ErrNotFound)
	}
	return nil
}

// FindByPosition returns all fill events recorded for a position.
func (r *Repository) FindByPosition(ctx context.Context, positionID int64) ([]*domain.OrderFillEvent, error) {
	const query = `
	SELECT id, position_id, order_id, fill_type, size, price, inferred_at, processed
	FROM fill_events WHERE position_id = ? ORDER BY inferred_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fill events for position %d: %w", positionID, err)
	}
	defer rows.Close()

	var events []*domain.OrderFillEvent
	for rows.Next() {
		var ev domain.OrderFillEvent
		var fillType string
		if err := rows.Scan(&ev.ID, &ev.PositionID, &ev.OrderID, &fillType, &ev.Size, &ev.Price, &ev.InferredAt, &ev.Processed); err != nil {
			return nil, fmt.Errorf("failed to scan fill event: %w", err)
		}
		ev.Type = domain.FillType(fillType)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// --- AuditLog Implementation ---

// RecordAudit appends a mutation-attempt record. Named RecordAudit rather
// than Record to keep the method sets of the combined repository distinct.
func (r *Repository) RecordAudit(ctx context.Context, entry *domain.ActionAudit) error {
	const query = `
	INSERT INTO action_audit (position_id, action, detail, outcome, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx, query,
		entry.PositionID, entry.Action, entry.Detail, string(entry.Outcome), entry.Error, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record audit entry %s: %w", entry.Action, err)
	}
	id, err := result.LastInsertId()
	if err == nil {
		entry.ID = id
	}
	return nil
}

// FindAuditByPosition returns the audit trail for a position, oldest first.
func (r *Repository) FindAuditByPosition(ctx context.Context, positionID int64) ([]*domain.ActionAudit, error) {
	const query = `
	SELECT id, position_id, action, detail, outcome, error, created_at
	FROM action_audit WHERE position_id = ? ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries for position %d: %w", positionID, err)
	}
	defer rows.Close()

	var entries []*domain.ActionAudit
	for rows.Next() {
		var e domain.ActionAudit
		var outcome string
		if err := rows.Scan(&e.ID, &e.PositionID, &e.Action, &e.Detail, &outcome, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Outcome = domain.AuditOutcome(outcome)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- TimeTrackingStore Implementation ---

// CreateTracking inserts the time-tracking record for a position.
func (r *Repository) CreateTracking(ctx context.Context, tt *domain.TimeTracking) error {
	const query = `
	INSERT INTO time_tracking (position_id, created_at, expires_at, warning_sent, force_close_attempted, status)
	VALUES (?, ?, ?, ?, ?, ?)`

	if tt.Status == "" {
		tt.Status = domain.TimeStatusActive
	}
	_, err := r.db.ExecContext(ctx, query,
		tt.PositionID, tt.CreatedAt, tt.ExpiresAt, tt.WarningSent, tt.ForceCloseAttempted, string(tt.Status))
	if err != nil {
		return fmt.Errorf("failed to insert time tracking for position %d: %w", tt.PositionID, err)
	}
	return nil
}

// FindByPositionID returns the tracking record, or nil, nil when absent.
func (r *Repository) FindByPositionID(ctx context.Context, positionID int64) (*domain.TimeTracking, error) {
	const query = `
	SELECT position_id, created_at, expires_at, warning_sent, force_close_attempted, status
	FROM time_tracking WHERE position_id = ?`

	row := r.db.QueryRowContext(ctx, query, positionID)
	tt, err := scanTracking(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query time tracking for position %d: %w", positionID, err)
	}
	return tt, nil
}

// FindUnresolved returns tracking rows whose position is still non-terminal.
func (r *Repository) FindUnresolved(ctx context.Context) ([]*domain.TimeTracking, error) {
	const query = `
	SELECT t.position_id, t.created_at, t.expires_at, t.warning_sent, t.force_close_attempted, t.status
	FROM time_tracking t
	JOIN positions p ON p.id = t.position_id
	WHERE p.phase NOT IN (?, ?)
	ORDER BY t.expires_at ASC`

	rows, err := r.db.QueryContext(ctx, query, string(domain.PhaseCompleted), string(domain.PhaseStoppedOut))
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved time tracking: %w", err)
	}
	defer rows.Close()

	var out []*domain.TimeTracking
	for rows.Next() {
		tt, err := scanTracking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan time tracking: %w", err)
		}
		out = append(out, tt)
	}
	return out, rows.Err()
}

// MarkWarned sets the warning flag and moves status to warned.
func (r *Repository) MarkWarned(ctx context.Context, positionID int64) error {
	return r.updateTracking(ctx, positionID, `
	UPDATE time_tracking SET warning_sent = 1, status = ? WHERE position_id = ?`,
		string(domain.TimeStatusWarned), positionID)
}

// MarkForceCloseAttempted sets the attempt flag.
func (r *Repository) MarkForceCloseAttempted(ctx context.Context, positionID int64) error {
	return r.updateTracking(ctx, positionID, `
	UPDATE time_tracking SET force_close_attempted = 1 WHERE position_id = ?`, positionID)
}

// SetStatus updates the tracking status.
func (r *Repository) SetStatus(ctx context.Context, positionID int64, status domain.TimeStatus) error {
	return r.updateTracking(ctx, positionID, `
	UPDATE time_tracking SET status = ? WHERE position_id = ?`, string(status), positionID)
}

// ExtendExpiry moves the expiry forward. A record that was only warned drops
// back to active with the warning flag cleared so the next warning fires
// against the new deadline.
func (r *Repository) ExtendExpiry(ctx context.Context, positionID int64, expiresAt time.Time) error {
	return r.updateTracking(ctx, positionID, `
	UPDATE time_tracking
	SET expires_at = ?,
	    warning_sent = CASE WHEN status IN ('active','warned') THEN 0 ELSE warning_sent END,
	    status = CASE WHEN status = 'warned' THEN 'active' ELSE status END
	WHERE position_id = ?`, expiresAt, positionID)
}

func (r *Repository) updateTracking(ctx context.Context, positionID int64, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update time tracking for position %d: %w", positionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected updating time tracking for position %d: %w", positionID, err)
	}
	if affected == 0 {
		return fmt.Errorf("time tracking for position %d: %w", positionID, ports.ErrNotFound)
	}
	return nil
}

func scanTracking(s scanner) (*domain.TimeTracking, error) {
	var tt domain.TimeTracking
	var status string
	err := s.Scan(&tt.PositionID, &tt.CreatedAt, &tt.ExpiresAt, &tt.WarningSent, &tt.ForceCloseAttempted, &status)
	if err != nil {
		return nil, err
	}
	tt.Status = domain.TimeStatus(status)
	return &tt, nil
}
