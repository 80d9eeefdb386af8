package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	apperrors "github.com/hrvstr/hrvstr-go/internal/errors"
)

const sessionSweepInterval = time.Minute

// Store persists credit accounts and unlock sessions in SQLite. Balances
// are mutated only through Credit and the conditional debit inside
// BeginUnlock; sessions only through BeginUnlock and the expiry sweep. The
// store is the shared transactional ground truth that keeps the
// one-active-session-per-(user, component) invariant across devices and
// processes.
type Store struct {
	db     *sql.DB
	dbPath string
	log    zerolog.Logger

	stopSweep chan struct{}
	stopOnce  sync.Once
	mu        sync.Mutex

	nowFn func() time.Time
}

// Open creates (or opens) the billing database under dataPath and starts
// the session expiry sweeper.
func Open(dataPath string, logger zerolog.Logger) (*Store, error) {
	dataPath = filepath.Clean(dataPath)
	if strings.TrimSpace(dataPath) == "" {
		return nil, fmt.Errorf("dataPath is required")
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("create billing data dir: %w", err)
	}

	dbPath := filepath.Join(dataPath, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:        db,
		dbPath:    dbPath,
		log:       logger,
		stopSweep: make(chan struct{}),
		nowFn:     time.Now,
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	go s.sweepLoop()

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credit_accounts (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		tier TEXT NOT NULL DEFAULT 'free',
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		component TEXT NOT NULL,
		credits_used INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active'
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_active
		ON sessions(user_id, component) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// Close stops the sweeper and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopSweep) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close billing db: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return apperrors.ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Account returns the credit account for userID. A user without a row has a
// zero balance on the free tier.
func (s *Store) Account(ctx context.Context, userID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, apperrors.ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT balance, tier, updated_at FROM credit_accounts WHERE user_id = ?`, userID)

	account := &Account{UserID: userID, Tier: TierFree}
	var updatedAt int64
	if err := row.Scan(&account.Balance, &account.Tier, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account, nil
		}
		return nil, fmt.Errorf("load account %s: %w", userID, err)
	}
	account.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return account, nil
}

// Balance returns the current credit balance for userID.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	account, err := s.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Credit adds amount credits to userID's balance, creating the account if
// it does not exist yet.
func (s *Store) Credit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return apperrors.ErrStoreClosed
	}

	now := s.nowFn().UTC().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_accounts (user_id, balance, tier, updated_at) VALUES (?, ?, 'free', ?)
		 ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
		userID, amount, now)
	if err != nil {
		return fmt.Errorf("credit account %s: %w", userID, err)
	}
	return nil
}

// SetTier updates the subscription tier for userID, creating the account if
// needed.
func (s *Store) SetTier(ctx context.Context, userID string, tier Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return apperrors.ErrStoreClosed
	}

	now := s.nowFn().UTC().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_accounts (user_id, balance, tier, updated_at) VALUES (?, 0, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET tier = excluded.tier, updated_at = excluded.updated_at`,
		userID, string(tier), now)
	if err != nil {
		return fmt.Errorf("set tier for %s: %w", userID, err)
	}
	return nil
}

// Debit conditionally subtracts cost from userID's balance. The update only
// applies when balance >= cost, so concurrent debits can never drive a
// balance negative. A shortfall returns InsufficientCreditsError with the
// balance observed after the failed attempt.
func (s *Store) Debit(ctx context.Context, userID string, cost int64) error {
	if cost < 0 {
		return fmt.Errorf("debit cost must be non-negative, got %d", cost)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return apperrors.ErrStoreClosed
	}
	return s.debitLocked(ctx, s.db, userID, cost)
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) debitLocked(ctx context.Context, ex execer, userID string, cost int64) error {
	now := s.nowFn().UTC().Unix()
	res, err := ex.ExecContext(ctx,
		`UPDATE credit_accounts SET balance = balance - ?, updated_at = ? WHERE user_id = ? AND balance >= ?`,
		cost, now, userID, cost)
	if err != nil {
		return fmt.Errorf("debit account %s: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit account %s: rows affected: %w", userID, err)
	}
	if affected == 0 {
		var available int64
		row := ex.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, userID)
		if scanErr := row.Scan(&available); scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("load balance for %s: %w", userID, scanErr)
		}
		return &apperrors.InsufficientCreditsError{UserID: userID, Required: cost, Available: available}
	}
	return nil
}

// FindActiveSession returns the active, unexpired session for
// (userID, component), or nil when none exists. Rows whose expiry has
// passed are marked expired as a side effect before the read.
func (s *Store) FindActiveSession(ctx context.Context, userID string, component Component) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, apperrors.ErrStoreClosed
	}

	now := s.nowFn().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'expired' WHERE user_id = ? AND component = ? AND status = 'active' AND expires_at <= ?`,
		userID, string(component), now.Unix()); err != nil {
		return nil, fmt.Errorf("expire stale sessions for %s/%s: %w", userID, component, err)
	}

	return s.findActiveLocked(ctx, s.db, userID, component)
}

func (s *Store) findActiveLocked(ctx context.Context, ex execer, userID string, component Component) (*Session, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT session_id, credits_used, created_at, expires_at FROM sessions
		 WHERE user_id = ? AND component = ? AND status = 'active' AND expires_at > ?`,
		userID, string(component), s.nowFn().UTC().Unix())

	session := &Session{UserID: userID, Component: component, Status: StatusActive}
	var createdAt, expiresAt int64
	if err := row.Scan(&session.SessionID, &session.CreditsUsed, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load active session for %s/%s: %w", userID, component, err)
	}
	session.CreatedAt = time.Unix(createdAt, 0).UTC()
	session.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return session, nil
}

// BeginUnlock debits cost and inserts a new active session for
// (userID, component) in one transaction. Losing the insert race to a
// concurrent unlock rolls the debit back and adopts the winner's session;
// a shortfall rolls back with InsufficientCreditsError. Exactly one of N
// concurrent callers pays.
func (s *Store) BeginUnlock(ctx context.Context, userID string, component Component, cost int64, duration time.Duration) (*UnlockOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, apperrors.ErrStoreClosed
	}

	now := s.nowFn().UTC()

	// Lazily expire first so a dead active row cannot block the insert.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'expired' WHERE user_id = ? AND component = ? AND status = 'active' AND expires_at <= ?`,
		userID, string(component), now.Unix()); err != nil {
		return nil, fmt.Errorf("expire stale sessions for %s/%s: %w", userID, component, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin unlock tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.debitLocked(ctx, tx, userID, cost); err != nil {
		return nil, err
	}

	session := &Session{
		SessionID:   uuid.NewString(),
		UserID:      userID,
		Component:   component,
		CreditsUsed: cost,
		CreatedAt:   now,
		ExpiresAt:   now.Add(duration),
		Status:      StatusActive,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, component, credits_used, created_at, expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, 'active')`,
		session.SessionID, userID, string(component), cost, now.Unix(), session.ExpiresAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			// Another device won the race. Roll back so our debit never
			// lands, then adopt the winner's session.
			_ = tx.Rollback()
			existing, findErr := s.findActiveLocked(ctx, s.db, userID, component)
			if findErr != nil {
				return nil, findErr
			}
			if existing == nil {
				return nil, fmt.Errorf("adopt winning session for %s/%s: %w", userID, component, apperrors.ErrSessionConflict)
			}
			return &UnlockOutcome{Status: UnlockAlreadyActive, Session: existing}, nil
		}
		return nil, fmt.Errorf("insert session for %s/%s: %w", userID, component, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit unlock tx: %w", err)
	}

	s.log.Debug().Str("user", userID).Str("component", string(component)).
		Int64("cost", cost).Time("expiresAt", session.ExpiresAt).Msg("unlock session created")
	return &UnlockOutcome{Status: UnlockCreated, Session: session}, nil
}

// SweepExpired marks every overdue active session expired and deletes
// expired rows older than the retention window. Returns how many sessions
// were newly expired.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, apperrors.ErrStoreClosed
	}

	now := s.nowFn().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'expired' WHERE status = 'active' AND expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep expired sessions: %w", err)
	}
	expired, _ := res.RowsAffected()

	const retention = 30 * 24 * time.Hour
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status = 'expired' AND expires_at < ?`,
		now.Add(-retention).Unix()); err != nil {
		return expired, fmt.Errorf("prune expired sessions: %w", err)
	}
	return expired, nil
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := s.SweepExpired(context.Background()); err != nil {
				if !errors.Is(err, apperrors.ErrStoreClosed) {
					s.log.Warn().Err(err).Msg("session sweep failed")
				}
			} else if n > 0 {
				s.log.Debug().Int64("expired", n).Msg("session sweep")
			}
		case <-s.stopSweep:
			return
		}
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
