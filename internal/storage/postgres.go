package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lvonguyen/alertforge/internal/alerting"
	"github.com/lvonguyen/alertforge/internal/detection"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	DSN             string        `yaml:"-"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// PostgresStore is a Store backed by PostgreSQL. Events keep their full
// canonical form in a JSONB document next to the columns used for
// correlation and filtering.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects and pings the database.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresStore(db, nil), nil
}

// NewPostgresStore wraps an open database. A nil clock uses time.Now.
func NewPostgresStore(db *sql.DB, now func() time.Time) *PostgresStore {
	if now == nil {
		now = time.Now
	}
	return &PostgresStore{db: db, now: now}
}

// Migrate creates the tables and indexes when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ============================================================================
// Events
// ============================================================================

func (s *PostgresStore) CreateEvent(ctx context.Context, e *telemetry.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, tenant, ts, source, event_type, user_name, action, severity, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Tenant, e.Timestamp.UTC(), string(e.Source), e.EventType, e.User, string(e.Action), e.SeverityValue(), doc,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountEvents(ctx context.Context, tenant, eventType, user string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_events
		WHERE tenant = $1 AND event_type = $2 AND user_name = $3 AND ts >= $4`,
		tenant, eventType, user, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) FindEvent(ctx context.Context, id string) (*telemetry.Event, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM security_events WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find event: %w", err)
	}
	return decodeEvent(doc)
}

func (s *PostgresStore) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]*telemetry.Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Tenant != "" {
		add("tenant = $%d", f.Tenant)
	}
	if f.Source != "" {
		add("source = $%d", strings.ToUpper(f.Source))
	}
	if f.Action != "" {
		add("action = $%d", strings.ToUpper(f.Action))
	}
	if lo, hi, ok := severityRange(f.SeverityLevel); ok {
		add("severity >= $%d", lo)
		add("severity <= $%d", hi)
	}

	query := `SELECT doc FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit, DefaultListLimit, MaxListLimit))
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*telemetry.Event
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e, err := decodeEvent(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteEventsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE ts < $1`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return n, nil
}

func decodeEvent(doc []byte) (*telemetry.Event, error) {
	var e telemetry.Event
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}

// ============================================================================
// Rules
// ============================================================================

const ruleColumns = `id, tenant, name, description, conditions, enabled, created_at`

func (s *PostgresStore) ListRules(ctx context.Context, tenant string) ([]*detection.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules`
	var args []any
	if tenant != "" {
		query += ` WHERE tenant = $1`
		args = append(args, tenant)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*detection.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRule(ctx context.Context, tenant, name string) (*detection.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE tenant = $1 AND name = $2`, tenant, name)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s/%s: %w", tenant, name, ErrNotFound)
	}
	return r, err
}

func (s *PostgresStore) CreateRule(ctx context.Context, r *detection.Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Enabled = true
	r.CreatedAt = s.now().UTC()
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, tenant, name, description, conditions, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.Tenant, r.Name, r.Description, conditions, r.Enabled, r.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("rule %s/%s: %w", r.Tenant, r.Name, ErrDuplicateRule)
		}
		return fmt.Errorf("insert rule: %w", err)
	}
	r.Compile()
	return nil
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*detection.Rule, error) {
	var (
		r          detection.Rule
		conditions []byte
	)
	if err := row.Scan(&r.ID, &r.Tenant, &r.Name, &r.Description, &conditions, &r.Enabled, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	// A rule whose stored conditions no longer decode is kept and compiles
	// to an unrecognized condition, so it never matches.
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		r.Conditions = nil
	}
	return r.Compile(), nil
}

// ============================================================================
// Alerts
// ============================================================================

func (s *PostgresStore) CreateAlert(ctx context.Context, a *alerting.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, rule_id, tenant, title, description, severity, event_ids, triggered_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.RuleID, a.Tenant, a.Title, a.Description, a.Severity, pq.Array(a.EventIDs), a.TriggeredAt, a.Status,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecentAlerts(ctx context.Context, tenant string, limit int) ([]*alerting.Alert, error) {
	limit = clampLimit(limit, DefaultAlertLimit, MaxAlertLimit)
	query := `SELECT id, rule_id, tenant, title, description, severity, event_ids, triggered_at, status FROM alerts`
	args := []any{}
	if tenant != "" {
		query += ` WHERE tenant = $1`
		args = append(args, tenant)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY triggered_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*alerting.Alert
	for rows.Next() {
		var a alerting.Alert
		if err := rows.Scan(&a.ID, &a.RuleID, &a.Tenant, &a.Title, &a.Description, &a.Severity,
			pq.Array(&a.EventIDs), &a.TriggeredAt, &a.Status); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ============================================================================
// Accounts
// ============================================================================

func (s *PostgresStore) LookupAccount(ctx context.Context, username string) (*alerting.Account, error) {
	var a alerting.Account
	err := s.db.QueryRowContext(ctx, `SELECT username, email FROM accounts WHERE username = $1`, username).
		Scan(&a.Username, &a.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown user %q", alerting.ErrNoRecipient, username)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, a alerting.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (username, email) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET email = EXCLUDED.email`,
		a.Username, a.Email,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}
