package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/ueba/internal/domain"
	"github.com/opensource-finance/ueba/internal/stats"
)

// Session implements domain.Session on a single pinned connection.
// It is not safe for concurrent use.
type Session struct {
	conn   *sql.Conn
	driver string
}

// GetUserProfile loads the stored profile for a user.
func (s *Session) GetUserProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	return readProfile(ctx, s.conn, s.driver, userID)
}

// LatestTransaction returns the user's most recent transaction, or nil if the
// user has none.
func (s *Session) LatestTransaction(ctx context.Context, userID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE user_id = ?
		ORDER BY ts DESC
		LIMIT 1`

	tx, err := scanTransaction(s.conn.QueryRowContext(ctx, rebind(s.driver, query), userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

// CountSince counts the user's transactions strictly after since.
func (s *Session) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM transactions WHERE user_id = ? AND ts > ?`

	var count int
	err := s.conn.QueryRowContext(ctx, rebind(s.driver, query), userID, since.UTC()).Scan(&count)
	return count, err
}

// SumByTypeSince sums the user's amounts of one type strictly after since.
func (s *Session) SumByTypeSince(ctx context.Context, userID string, txType domain.TransactionType, since time.Time) (float64, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE user_id = ? AND type = ? AND ts > ?`

	var sum float64
	err := s.conn.QueryRowContext(ctx, rebind(s.driver, query), userID, string(txType), since.UTC()).Scan(&sum)
	return sum, err
}

// DeviceCountriesSince returns up to limit distinct countries a device was
// seen in after since.
func (s *Session) DeviceCountriesSince(ctx context.Context, device string, since time.Time, limit int) ([]string, error) {
	query := `SELECT DISTINCT country FROM transactions
		WHERE device_fingerprint = ? AND country IS NOT NULL AND ts > ?
		LIMIT ?`

	rows, err := s.conn.QueryContext(ctx, rebind(s.driver, query), device, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	countries := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		countries = append(countries, c)
	}
	return countries, rows.Err()
}

// MedianAmountSince computes the median amount of the user's transactions
// after since. Both drivers share the computation so SQLite needs no
// percentile extension.
func (s *Session) MedianAmountSince(ctx context.Context, userID string, since time.Time) (float64, bool, error) {
	query := `SELECT amount FROM transactions WHERE user_id = ? AND ts > ?`

	rows, err := s.conn.QueryContext(ctx, rebind(s.driver, query), userID, since.UTC())
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()

	var amounts []float64
	for rows.Next() {
		var a float64
		if err := rows.Scan(&a); err != nil {
			return 0, false, err
		}
		amounts = append(amounts, a)
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}

	median, ok := stats.Median(amounts)
	return median, ok, nil
}

// InsertTransaction appends a fully scored transaction.
func (s *Session) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" || tx.UserID == "" {
		return fmt.Errorf("%w: transaction id and user_id are required", domain.ErrInvalidInput)
	}

	explanations, err := json.Marshal(tx.Explanations)
	if err != nil {
		return fmt.Errorf("failed to encode explanations: %w", err)
	}

	var clientTS any
	if tx.ClientTimestamp != nil {
		clientTS = tx.ClientTimestamp.UTC()
	}

	flag := 0
	if tx.AnomalyFlag {
		flag = 1
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.conn.ExecContext(ctx, rebind(s.driver, query),
		tx.ID, tx.UserID, tx.Timestamp.UTC(), clientTS, tx.Amount, string(tx.Type),
		nullString(tx.Country), nullString(tx.DeviceFingerprint), nullString(tx.IP),
		tx.AnomalyScore, tx.AnomalyLabel, tx.RulesScore, tx.FinalRisk, flag,
		string(explanations),
	)
	return err
}

// UserHistory returns the user's full history, oldest first.
func (s *Session) UserHistory(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ? ORDER BY ts, id`

	rows, err := s.conn.QueryContext(ctx, rebind(s.driver, query), userID)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// PatchUserProfile merges patch into the stored profile inside a single
// database transaction. Fields the patch leaves nil keep their stored value.
func (s *Session) PatchUserProfile(ctx context.Context, userID string, patch domain.ProfilePatch) error {
	dbtx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	// Take the row's write lock before reading so concurrent patches
	// serialize instead of failing on a stale snapshot.
	lock := `UPDATE users SET profile = profile WHERE id = ?`
	res, err := dbtx.ExecContext(ctx, rebind(s.driver, lock), userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
	}

	profile, err := readProfile(ctx, dbtx, s.driver, userID)
	if err != nil {
		return err
	}
	patch.Apply(profile)

	encoded, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	query := `UPDATE users SET profile = ? WHERE id = ?`
	if _, err := dbtx.ExecContext(ctx, rebind(s.driver, query), string(encoded), userID); err != nil {
		return err
	}
	return dbtx.Commit()
}

// Close returns the pinned connection to the pool.
func (s *Session) Close() error {
	return s.conn.Close()
}

func readProfile(ctx context.Context, q querier, driver, userID string) (*domain.UserProfile, error) {
	query := `SELECT profile FROM users WHERE id = ?`

	var raw string
	err := q.QueryRowContext(ctx, rebind(driver, query), userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}

	var p domain.UserProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile for %s: %w", userID, err)
	}
	return &p, nil
}
