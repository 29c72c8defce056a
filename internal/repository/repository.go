// Package repository provides the SQL-backed history store.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/ueba/internal/domain"
)

// querier is satisfied by both *sql.DB and *sql.Conn so the same queries
// serve pooled reads and pinned sessions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLRepository implements domain.HistoryStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver: %s", domain.ErrConfiguration, cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Session pins one pooled connection for a scoring request or refresh batch.
func (r *SQLRepository) Session(ctx context.Context) (domain.Session, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &Session{conn: conn, driver: r.driver}, nil
}

// CreateUser stores a new user together with its initial profile.
func (r *SQLRepository) CreateUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" || user.Name == "" {
		return fmt.Errorf("%w: user id and name are required", domain.ErrInvalidInput)
	}

	profile, err := json.Marshal(user.Profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO users (id, name, email, country, profile, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, rebind(r.driver, query),
		user.ID, user.Name, nullString(user.Email), nullString(user.Country),
		string(profile), user.CreatedAt.UTC(),
	)
	return err
}

// GetUser retrieves a user and its current profile.
func (r *SQLRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT id, name, email, country, profile, created_at
		FROM users
		WHERE id = ?
	`

	var u domain.User
	var email, country sql.NullString
	var profile string

	err := r.db.QueryRowContext(ctx, rebind(r.driver, query), userID).Scan(
		&u.ID, &u.Name, &email, &country, &profile, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}

	u.Email = email.String
	u.Country = country.String
	u.CreatedAt = u.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(profile), &u.Profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile for %s: %w", userID, err)
	}
	return &u, nil
}

// ListUserIDs returns every user id in a stable order.
func (r *SQLRepository) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetTransaction retrieves a scored transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, rebind(r.driver, query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, txID)
	}
	return tx, err
}

// SearchTransactions pages through transactions newest first and returns the
// total number of matches.
func (r *SQLRepository) SearchTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, int, error) {
	clause, args := filterClause(f)

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + clause +
		` ORDER BY ts DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, rebind(r.driver, query), append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM transactions WHERE ` + clause
	if err := r.db.QueryRowContext(ctx, rebind(r.driver, countQuery), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return txs, total, nil
}

// RiskOverTime averages final risk per time bucket for transactions after
// since that match f. Buckets are aligned to the Unix epoch and returned
// oldest first; empty buckets are omitted. Limit and Offset are ignored.
func (r *SQLRepository) RiskOverTime(ctx context.Context, f domain.TransactionFilter, since time.Time, bucket time.Duration) ([]domain.RiskPoint, error) {
	if bucket <= 0 {
		return nil, fmt.Errorf("%w: bucket must be positive", domain.ErrInvalidInput)
	}

	clause, args := filterClause(f)
	query := `SELECT ts, final_risk FROM transactions WHERE ` + clause + ` AND ts > ? ORDER BY ts`

	rows, err := r.db.QueryContext(ctx, rebind(r.driver, query), append(args, since.UTC())...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []domain.RiskPoint{}
	var sum float64
	for rows.Next() {
		var ts time.Time
		var risk float64
		if err := rows.Scan(&ts, &risk); err != nil {
			return nil, err
		}
		start := ts.UTC().Truncate(bucket)
		if n := len(points); n == 0 || !points[n-1].Bucket.Equal(start) {
			if n > 0 {
				points[n-1].AvgRisk = sum / float64(points[n-1].Count)
			}
			points = append(points, domain.RiskPoint{Bucket: start})
			sum = 0
		}
		points[len(points)-1].Count++
		sum += risk
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if n := len(points); n > 0 {
		points[n-1].AvgRisk = sum / float64(points[n-1].Count)
	}
	return points, nil
}

// ListAnomalies returns the riskiest transactions at or above minRisk.
func (r *SQLRepository) ListAnomalies(ctx context.Context, minRisk float64, limit int) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE final_risk >= ?
		ORDER BY final_risk DESC, ts DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, rebind(r.driver, query), minRisk, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// Catalog lists the distinct countries, types and users seen in the ledger.
func (r *SQLRepository) Catalog(ctx context.Context) (*domain.Catalog, error) {
	c := &domain.Catalog{Countries: []string{}, Types: []string{}, Users: []domain.User{}}

	var err error
	c.Countries, err = r.distinct(ctx, `SELECT DISTINCT country FROM transactions WHERE country IS NOT NULL ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	c.Types, err = r.distinct(ctx, `SELECT DISTINCT type FROM transactions ORDER BY 1`)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM users ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, err
		}
		c.Users = append(c.Users, u)
	}
	return c, rows.Err()
}

func (r *SQLRepository) distinct(ctx context.Context, query string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// SaveAction records an analyst action.
func (r *SQLRepository) SaveAction(ctx context.Context, a *domain.AnalystAction) error {
	if a.ID == "" || a.UserID == "" || !domain.ValidAction(a.Action) {
		return fmt.Errorf("%w: action requires id, user_id and a known action", domain.ErrInvalidInput)
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}

	query := `
		INSERT INTO actions (id, user_id, txn_id, action, note, actor, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, rebind(r.driver, query),
		a.ID, a.UserID, nullString(a.TxID), a.Action, nullString(a.Note), a.Actor, a.At.UTC(),
	)
	return err
}

// ListActions returns a user's most recent analyst actions.
func (r *SQLRepository) ListActions(ctx context.Context, userID string, limit int) ([]*domain.AnalystAction, error) {
	query := `
		SELECT id, user_id, txn_id, action, note, actor, ts
		FROM actions
		WHERE user_id = ?
		ORDER BY ts DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, rebind(r.driver, query), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := []*domain.AnalystAction{}
	for rows.Next() {
		var a domain.AnalystAction
		var txID, note sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &txID, &a.Action, &note, &a.Actor, &a.At); err != nil {
			return nil, err
		}
		a.TxID = txID.String
		a.Note = note.String
		a.At = a.At.UTC()
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

const transactionColumns = `id, user_id, ts, client_ts, amount, type, country, device_fingerprint, ip,
	anomaly_score, anomaly_label, rules_score, final_risk, anomaly_flag, explanations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var txType, explanations string
	var clientTS sql.NullTime
	var country, device, ip sql.NullString
	var flag int

	if err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Timestamp, &clientTS, &tx.Amount, &txType,
		&country, &device, &ip,
		&tx.AnomalyScore, &tx.AnomalyLabel, &tx.RulesScore, &tx.FinalRisk, &flag,
		&explanations,
	); err != nil {
		return nil, err
	}

	tx.Timestamp = tx.Timestamp.UTC()
	if clientTS.Valid {
		t := clientTS.Time.UTC()
		tx.ClientTimestamp = &t
	}
	tx.Type = domain.TransactionType(txType)
	tx.Country = country.String
	tx.DeviceFingerprint = device.String
	tx.IP = ip.String
	tx.AnomalyFlag = flag == 1
	if err := json.Unmarshal([]byte(explanations), &tx.Explanations); err != nil {
		return nil, fmt.Errorf("failed to decode explanations for %s: %w", tx.ID, err)
	}
	return &tx, nil
}

func filterClause(f domain.TransactionFilter) (string, []any) {
	where := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Country != "" {
		where = append(where, "country = ?")
		args = append(args, f.Country)
	}
	if f.MinRisk > 0 {
		where = append(where, "final_risk >= ?")
		args = append(args, f.MinRisk)
	}
	return strings.Join(where, " AND "), args
}

func collectTransactions(rows *sql.Rows) ([]*domain.Transaction, error) {
	defer rows.Close()

	txs := []*domain.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
