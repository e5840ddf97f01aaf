package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vidforge/internal/logging"
	"vidforge/internal/store"
)

// ErrInsufficientCredit is returned when a user's balance cannot cover a
// reservation. Callers park the affected project instead of failing it.
var ErrInsufficientCredit = errors.New("insufficient credit")

// ErrReservationClosed is returned when a release or settle targets a
// reservation that was already finalized.
var ErrReservationClosed = errors.New("reservation already finalized")

// Reservation is a provisional debit created before work starts and finalized
// or reversed once the outcome is known.
type Reservation struct {
	ID        string
	UserID    string
	ProjectID string
	Stage     store.ProjectStatus
	Amount    int64
}

// Reason codes recorded on ledger entries.
const (
	ReasonReserve      = "reserve"
	ReasonRelease      = "release"
	ReasonSettleAdjust = "settle_adjust"
	ReasonGrant        = "grant"
	ReasonAdminGrant   = "admin_grant"
)

const (
	stateOpen     = "open"
	stateReleased = "released"
	stateSettled  = "settled"
)

// Ledger meters credit consumption. All balance mutations flow through
// Reserve/Release/Settle plus the idempotent grant paths; mutations for one
// user are serialized by a per-user lock, not a global one.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewLedger constructs a ledger sharing the pipeline store's database.
func NewLedger(st *store.Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:     st.DB(),
		logger: logging.NewComponentLogger(logger, "credit-ledger"),
		users:  make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.users[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.users[userID] = lock
	}
	return lock
}

// Balance returns the sum of all ledger entries for a user.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_entries WHERE user_id = ?`,
		userID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// Reserve atomically checks the user's balance and, when sufficient, records a
// negative ledger entry and an open reservation. Replaying the same
// idempotency key returns the previously created reservation without a second
// debit. Fails with ErrInsufficientCredit when the balance cannot cover amount.
func (l *Ledger) Reserve(ctx context.Context, userID, projectID string, stage store.ProjectStatus, amount int64, idempotencyKey string) (*Reservation, error) {
	if amount < 0 {
		return nil, fmt.Errorf("reserve amount must not be negative, got %d", amount)
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, errors.New("idempotency key is required")
	}

	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := l.reservationByIdempotencyKey(ctx, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_entries WHERE user_id = ?`,
		userID,
	).Scan(&balance); err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	if balance < amount {
		return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientCredit, balance, amount)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	reservation := &Reservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProjectID: projectID,
		Stage:     stage,
		Amount:    amount,
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO credit_entries (user_id, project_id, amount, reason, idempotency_key, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		userID, projectID, -amount, ReasonReserve, idempotencyKey, now,
	); err != nil {
		return nil, fmt.Errorf("insert reserve entry: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO reservations (id, user_id, project_id, stage, amount, state, idempotency_key, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reservation.ID, userID, projectID, string(stage), amount, stateOpen, idempotencyKey, now, now,
	); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}

	l.logger.Debug("credits reserved",
		logging.String(logging.FieldUserID, userID),
		logging.String(logging.FieldProjectID, projectID),
		logging.String(logging.FieldStage, string(stage)),
		logging.Int64("amount", amount),
	)
	return reservation, nil
}

// Release reverses an unconsumed reservation, restoring the full reserved
// amount. A reservation can be finalized exactly once.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	return l.finalize(ctx, reservationID, func(tx *sql.Tx, res *Reservation, now string) error {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO credit_entries (user_id, project_id, amount, reason, idempotency_key, created_at)
             VALUES (?, ?, ?, ?, ?, ?)`,
			res.UserID, res.ProjectID, res.Amount, ReasonRelease, uuid.NewString(), now,
		); err != nil {
			return fmt.Errorf("insert release entry: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE reservations SET state = ?, updated_at = ? WHERE id = ?`,
			stateReleased, now, res.ID,
		); err != nil {
			return fmt.Errorf("mark reservation released: %w", err)
		}
		return nil
	})
}

// Settle finalizes a reservation to the actually consumed amount. The net
// balance change becomes exactly -actual: the difference between the reserved
// and consumed amounts is returned (or charged) via an adjustment entry.
func (l *Ledger) Settle(ctx context.Context, reservationID string, actual int64) error {
	if actual < 0 {
		return fmt.Errorf("settle amount must not be negative, got %d", actual)
	}
	return l.finalize(ctx, reservationID, func(tx *sql.Tx, res *Reservation, now string) error {
		adjustment := res.Amount - actual
		if adjustment != 0 {
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO credit_entries (user_id, project_id, amount, reason, idempotency_key, created_at)
                 VALUES (?, ?, ?, ?, ?, ?)`,
				res.UserID, res.ProjectID, adjustment, ReasonSettleAdjust, uuid.NewString(), now,
			); err != nil {
				return fmt.Errorf("insert settle adjustment: %w", err)
			}
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE reservations SET state = ?, updated_at = ? WHERE id = ?`,
			stateSettled, now, res.ID,
		); err != nil {
			return fmt.Errorf("mark reservation settled: %w", err)
		}
		return nil
	})
}

// OpenReservation returns the open reservation for a project stage, or nil
// when none exists. At most one reservation per stage is open at a time
// because the orchestrator reserves a stage before creating its tasks.
func (l *Ledger) OpenReservation(ctx context.Context, projectID string, stage store.ProjectStatus) (*Reservation, error) {
	row := l.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, project_id, stage, amount FROM reservations
         WHERE project_id = ? AND stage = ? AND state = ?
         ORDER BY created_at DESC LIMIT 1`,
		projectID, string(stage), stateOpen,
	)
	return scanReservation(row)
}

// ReleaseOpenForProject reverses every open reservation attached to a project.
// Used on cancellation before work starts.
func (l *Ledger) ReleaseOpenForProject(ctx context.Context, projectID string) error {
	rows, err := l.db.QueryContext(
		ctx,
		`SELECT id FROM reservations WHERE project_id = ? AND state = ?`,
		projectID, stateOpen,
	)
	if err != nil {
		return fmt.Errorf("list open reservations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan reservation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := l.Release(ctx, id); err != nil && !errors.Is(err, ErrReservationClosed) {
			return err
		}
	}
	return nil
}

// ApplyGrant credits a user from a payment provider webhook event. Grants are
// deduplicated on the external event id, so at-least-once delivery is safe:
// the first delivery mutates the balance, replays are no-ops. Returns whether
// the grant was applied.
func (l *Ledger) ApplyGrant(ctx context.Context, eventID, userID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	if strings.TrimSpace(eventID) == "" {
		return false, errors.New("external event id is required")
	}

	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	res, err := l.db.ExecContext(
		ctx,
		`INSERT INTO credit_entries (user_id, amount, reason, external_event_id, created_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(external_event_id) DO NOTHING`,
		userID, amount, ReasonGrant, eventID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("insert grant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	applied := affected > 0
	if applied {
		l.logger.Info("credit grant applied",
			logging.String(logging.FieldUserID, userID),
			logging.String("event_id", eventID),
			logging.Int64("amount", amount),
		)
	} else {
		l.logger.Debug("duplicate credit grant ignored",
			logging.String(logging.FieldUserID, userID),
			logging.String("event_id", eventID),
		)
	}
	return applied, nil
}

// AdminGrant credits a user outside the webhook path, e.g. from the operator
// CLI. Each call creates a fresh entry.
func (l *Ledger) AdminGrant(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := l.db.ExecContext(
		ctx,
		`INSERT INTO credit_entries (user_id, amount, reason, idempotency_key, created_at)
         VALUES (?, ?, ?, ?, ?)`,
		userID, amount, ReasonAdminGrant, uuid.NewString(), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert admin grant: %w", err)
	}
	return nil
}

func (l *Ledger) finalize(ctx context.Context, reservationID string, apply func(tx *sql.Tx, res *Reservation, now string) error) error {
	res, err := l.reservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("reservation %s not found", reservationID)
	}

	lock := l.userLock(res.UserID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM reservations WHERE id = ?`, reservationID).Scan(&state); err != nil {
		return fmt.Errorf("read reservation state: %w", err)
	}
	if state != stateOpen {
		return fmt.Errorf("reservation %s: %w", reservationID, ErrReservationClosed)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := apply(tx, res, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize: %w", err)
	}
	return nil
}

func (l *Ledger) reservation(ctx context.Context, id string) (*Reservation, error) {
	row := l.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, project_id, stage, amount FROM reservations WHERE id = ?`,
		id,
	)
	return scanReservation(row)
}

func (l *Ledger) reservationByIdempotencyKey(ctx context.Context, key string) (*Reservation, error) {
	row := l.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, project_id, stage, amount FROM reservations WHERE idempotency_key = ?`,
		key,
	)
	return scanReservation(row)
}

func scanReservation(row *sql.Row) (*Reservation, error) {
	var (
		res   Reservation
		stage sql.NullString
	)
	if err := row.Scan(&res.ID, &res.UserID, &res.ProjectID, &stage, &res.Amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	res.Stage = store.ProjectStatus(stage.String)
	return &res, nil
}
