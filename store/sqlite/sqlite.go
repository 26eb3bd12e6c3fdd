/*
Package sqlite provides a SQLite-backed implementation of domain.TxStore.

PURPOSE:
  Implements every persistence interface (orgs, users, ledger, recognitions,
  rewards, redemptions, audit log) on one database. In production the same
  patterns apply to PostgreSQL, with minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  ledger_entries and audit_log are never updated or deleted. There are no
  methods that would do so.

KEY TABLES:
  users:          Identity, role, reporting line, cached points counters
  ledger_entries: Immutable log of points deltas
  recognitions:   Awards and their approval status
  rewards:        Catalog with stock and multi-currency prices
  redemptions:    Points-for-reward exchanges and fulfillment state
  audit_log:      Admin actions

GUARDED UPDATES:
  users.points_balance and rewards.availability carry CHECK (>= 0) and are
  only changed by conditional UPDATEs (ApplyPoints, DecrementAvailability).
  A zero-row update is turned into InsufficientPointsError / OutOfStockError.

CONCURRENCY:
  Writers use WithTx. File databases open transactions with BEGIN IMMEDIATE
  (_txlock=immediate) so the write lock is taken before the first read, and
  wait on the lock with _busy_timeout. In-memory databases are limited to
  one connection, which serializes transactions.

  Inside WithTx only the Store passed to fn may be used. With a single
  connection, calling the outer Store from fn would wait forever.

TIMESTAMPS:
  Stored as fixed-width UTC text (domain.CursorTimeLayout) so that text
  comparison matches time order for keyset pagination.

USAGE:
  store, err := sqlite.New("./data/recognition.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - domain/store.go: Interface definitions
  - ledger/ledger.go: The only caller of AppendEntries/ApplyPoints
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/recognition-engine/domain"
)

const memoryPath = ":memory:"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements domain.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

// queries holds every statement. Bound to the pool for Store, to a *sql.Tx
// inside WithTx.
type queries struct {
	q querier
}

var _ domain.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	if dbPath != memoryPath {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == memoryPath {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orgs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		slack_webhook_url TEXT NOT NULL DEFAULT '',
		teams_webhook_url TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		manager_id TEXT,
		department TEXT NOT NULL DEFAULT '',
		points_balance INTEGER NOT NULL DEFAULT 0 CHECK (points_balance >= 0),
		total_points_earned INTEGER NOT NULL DEFAULT 0,
		recognition_count INTEGER NOT NULL DEFAULT 0,
		monthly_allowance INTEGER,
		monthly_spent INTEGER NOT NULL DEFAULT 0,
		preferences_json TEXT NOT NULL DEFAULT '{}',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (org_id, email)
	);

	CREATE INDEX IF NOT EXISTS idx_users_org_manager ON users(org_id, manager_id);
	CREATE INDEX IF NOT EXISTS idx_users_org_department ON users(org_id, department);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT NOT NULL,
		ref_type TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Keyset pagination (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_user_created
		ON ledger_entries(org_id, user_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_ref
		ON ledger_entries(org_id, ref_type, ref_id);

	CREATE TABLE IF NOT EXISTS recognitions (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		from_user_id TEXT NOT NULL,
		to_user_ids_json TEXT NOT NULL,
		message TEXT NOT NULL,
		recognition_type TEXT NOT NULL,
		points_awarded INTEGER NOT NULL DEFAULT 0,
		values_tags_json TEXT NOT NULL DEFAULT '[]',
		is_public INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		scope TEXT NOT NULL,
		reactions_json TEXT NOT NULL DEFAULT '[]',
		decided_by TEXT NOT NULL DEFAULT '',
		decided_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recognitions_org_created
		ON recognitions(org_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_recognitions_org_status
		ON recognitions(org_id, status);
	CREATE INDEX IF NOT EXISTS idx_recognitions_from
		ON recognitions(org_id, from_user_id);

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		reward_type TEXT NOT NULL,
		provider TEXT NOT NULL,
		points_required INTEGER NOT NULL CHECK (points_required > 0),
		prices_json TEXT NOT NULL DEFAULT '{}',
		availability INTEGER NOT NULL CHECK (availability >= 0),
		active INTEGER NOT NULL DEFAULT 1,
		regions_json TEXT NOT NULL DEFAULT '[]',
		tags_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rewards_org_active ON rewards(org_id, active);

	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		reward_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		points_used INTEGER NOT NULL,
		status TEXT NOT NULL,
		delivery_address_json TEXT,
		tracking_number TEXT NOT NULL DEFAULT '',
		fulfillment_code TEXT NOT NULL DEFAULT '',
		delivered_at TEXT,
		fulfilled_at TEXT,
		redeemed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_org_user
		ON redemptions(org_id, user_id, redeemed_at DESC);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		diff_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_org_created ON audit_log(org_id, created_at DESC);

	-- Last completed period of each periodic job
	CREATE TABLE IF NOT EXISTS job_runs (
		job TEXT PRIMARY KEY,
		period TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (domain.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store domain.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// ORG STORE
// =============================================================================

func (s *queries) SaveOrg(ctx context.Context, org domain.Org) error {
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO orgs (id, name, slack_webhook_url, teams_webhook_url, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			slack_webhook_url = excluded.slack_webhook_url,
			teams_webhook_url = excluded.teams_webhook_url
	`
	_, err := s.q.ExecContext(ctx, query,
		org.ID, org.Name, org.SlackWebhookURL, org.TeamsWebhookURL, formatTime(org.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save org: %w", err)
	}
	return nil
}

func (s *queries) GetOrg(ctx context.Context, id string) (*domain.Org, error) {
	var (
		org       domain.Org
		createdAt string
	)
	err := s.q.QueryRowContext(ctx,
		"SELECT id, name, slack_webhook_url, teams_webhook_url, created_at FROM orgs WHERE id = ?",
		id,
	).Scan(&org.ID, &org.Name, &org.SlackWebhookURL, &org.TeamsWebhookURL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("organization", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get org: %w", err)
	}
	org.CreatedAt = parseTime(createdAt)
	return &org, nil
}

// =============================================================================
// USER STORE
// =============================================================================

const userColumns = `id, org_id, email, password_hash, first_name, last_name, role, manager_id,
	department, points_balance, total_points_earned, recognition_count, monthly_allowance,
	monthly_spent, preferences_json, active, created_at, updated_at`

// SaveUser inserts or updates a user's profile. Cached points counters start
// at zero and are never overwritten here.
func (s *queries) SaveUser(ctx context.Context, u domain.User) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	prefs, err := json.Marshal(u.Preferences)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	query := `
		INSERT INTO users (id, org_id, email, password_hash, first_name, last_name, role,
			manager_id, department, monthly_allowance, monthly_spent, preferences_json,
			active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			password_hash = excluded.password_hash,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			role = excluded.role,
			manager_id = excluded.manager_id,
			department = excluded.department,
			monthly_allowance = excluded.monthly_allowance,
			preferences_json = excluded.preferences_json,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err = s.q.ExecContext(ctx, query,
		u.ID, u.OrgID, strings.ToLower(u.Email), u.PasswordHash, u.FirstName, u.LastName,
		string(u.Role), nullString(u.ManagerID), u.Department, nullInt64(u.MonthlyAllowance),
		u.MonthlySpent, string(prefs), u.Active, formatTime(u.CreatedAt), formatTime(now),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("email %s already registered: %w", u.Email, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *queries) GetUser(ctx context.Context, orgID, id string) (*domain.User, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE org_id = ? AND id = ?", orgID, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("user", id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *queries) GetUserByEmail(ctx context.Context, orgID, email string) (*domain.User, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE org_id = ? AND email = ?",
		orgID, strings.ToLower(email))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("user", email)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *queries) ListUsers(ctx context.Context, orgID string, f domain.UserFilter) ([]domain.User, error) {
	where := []string{"org_id = ?"}
	args := []any{orgID}
	if f.ActiveOnly {
		where = append(where, "active = 1")
	}
	if f.ManagerID != "" {
		where = append(where, "manager_id = ?")
		args = append(args, f.ManagerID)
	}
	if f.Department != "" {
		where = append(where, "department = ?")
		args = append(args, f.Department)
	}
	if len(f.Roles) > 0 {
		where = append(where, "role IN ("+placeholders(len(f.Roles))+")")
		for _, r := range f.Roles {
			args = append(args, string(r))
		}
	}

	query := "SELECT " + userColumns + " FROM users WHERE " + strings.Join(where, " AND ") +
		" ORDER BY first_name, last_name, id"
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ApplyPoints is a guarded update: it never lets points_balance go negative.
func (s *queries) ApplyPoints(ctx context.Context, orgID, userID string, delta, earned int64) error {
	query := `
		UPDATE users
		SET points_balance = points_balance + ?,
		    total_points_earned = total_points_earned + ?,
		    updated_at = ?
		WHERE org_id = ? AND id = ? AND points_balance + ? >= 0
	`
	res, err := s.q.ExecContext(ctx, query, delta, earned, formatTime(time.Now()), orgID, userID, delta)
	if err != nil {
		return fmt.Errorf("failed to apply points: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// No row changed: either the user is missing or the balance is short.
	var balance int64
	err = s.q.QueryRowContext(ctx,
		"SELECT points_balance FROM users WHERE org_id = ? AND id = ?", orgID, userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound("user", userID)
	}
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	return &domain.InsufficientPointsError{UserID: userID, Available: balance, Required: -delta}
}

func (s *queries) RecordRecognitionReceived(ctx context.Context, orgID, userID string) error {
	return s.execOne(ctx, "user", userID,
		"UPDATE users SET recognition_count = recognition_count + 1 WHERE org_id = ? AND id = ?",
		orgID, userID)
}

func (s *queries) AddMonthlySpent(ctx context.Context, orgID, userID string, points int64) error {
	return s.execOne(ctx, "user", userID,
		"UPDATE users SET monthly_spent = monthly_spent + ? WHERE org_id = ? AND id = ?",
		points, orgID, userID)
}

func (s *queries) ResetMonthlySpent(ctx context.Context, roles []domain.Role) (int64, error) {
	if len(roles) == 0 {
		return 0, nil
	}
	args := []any{formatTime(time.Now())}
	for _, r := range roles {
		args = append(args, string(r))
	}
	res, err := s.q.ExecContext(ctx,
		"UPDATE users SET monthly_spent = 0, updated_at = ? WHERE monthly_spent <> 0 AND role IN ("+
			placeholders(len(roles))+")", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset monthly spent: %w", err)
	}
	return res.RowsAffected()
}

func scanUser(row scanner) (domain.User, error) {
	var (
		u                    domain.User
		role, prefs          string
		managerID            sql.NullString
		allowance            sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(
		&u.ID, &u.OrgID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &role, &managerID,
		&u.Department, &u.PointsBalance, &u.TotalPointsEarned, &u.RecognitionCount, &allowance,
		&u.MonthlySpent, &prefs, &u.Active, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, err
		}
		return u, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Role = domain.Role(role)
	u.ManagerID = managerID.String
	if allowance.Valid {
		v := allowance.Int64
		u.MonthlyAllowance = &v
	}
	if err := json.Unmarshal([]byte(prefs), &u.Preferences); err != nil {
		return u, fmt.Errorf("failed to decode preferences: %w", err)
	}
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return u, nil
}

// =============================================================================
// LEDGER STORE (append-only)
// =============================================================================

func (s *queries) AppendEntries(ctx context.Context, entries []domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, org_id, user_id, delta, reason, ref_type, ref_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, e := range entries {
		_, err := s.q.ExecContext(ctx, query,
			e.ID, e.OrgID, e.UserID, e.Delta, string(e.Reason), string(e.RefType), e.RefID,
			formatTime(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}
	return nil
}

const ledgerColumns = "id, org_id, user_id, delta, reason, ref_type, ref_id, created_at"

func (s *queries) ListEntries(ctx context.Context, orgID, userID string, before *domain.Cursor, limit int) ([]domain.LedgerEntry, error) {
	where := "org_id = ? AND user_id = ?"
	args := []any{orgID, userID}
	if before != nil {
		cond, cargs := cursorCondition(before)
		where += " AND " + cond
		args = append(args, cargs...)
	}
	args = append(args, sqlLimit(limit))

	query := "SELECT " + ledgerColumns + " FROM ledger_entries WHERE " + where +
		" ORDER BY created_at DESC, id DESC LIMIT ?"
	return s.queryEntries(ctx, query, args...)
}

func (s *queries) ListEntriesByRef(ctx context.Context, orgID string, refType domain.RefType, refID string) ([]domain.LedgerEntry, error) {
	query := "SELECT " + ledgerColumns + " FROM ledger_entries" +
		" WHERE org_id = ? AND ref_type = ? AND ref_id = ? ORDER BY created_at, id"
	return s.queryEntries(ctx, query, orgID, string(refType), refID)
}

func (s *queries) SumDeltas(ctx context.Context, orgID, userID string) (int64, error) {
	var sum int64
	err := s.q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE org_id = ? AND user_id = ?",
		orgID, userID,
	).Scan(&sum)
	return sum, err
}

func (s *queries) queryEntries(ctx context.Context, query string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e                          domain.LedgerEntry
			reason, refType, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.OrgID, &e.UserID, &e.Delta, &reason, &refType, &e.RefID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Reason = domain.LedgerReason(reason)
		e.RefType = domain.RefType(refType)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// RECOGNITION STORE
// =============================================================================

const recognitionColumns = `id, org_id, from_user_id, to_user_ids_json, message, recognition_type,
	points_awarded, values_tags_json, is_public, status, scope, reactions_json, decided_by,
	decided_at, created_at`

func (s *queries) SaveRecognition(ctx context.Context, r domain.Recognition) error {
	toIDs, err := json.Marshal(r.ToUserIDs)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(nonNil(r.ValuesTags))
	if err != nil {
		return err
	}
	reactions := r.Reactions
	if reactions == nil {
		reactions = []domain.Reaction{}
	}
	reactionsJSON, err := json.Marshal(reactions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO recognitions (` + recognitionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reactions_json = excluded.reactions_json,
			decided_by = excluded.decided_by,
			decided_at = excluded.decided_at
	`
	_, err = s.q.ExecContext(ctx, query,
		r.ID, r.OrgID, r.FromUserID, string(toIDs), r.Message, string(r.Type), r.PointsAwarded,
		string(tags), r.IsPublic, string(r.Status), string(r.Scope), string(reactionsJSON),
		r.DecidedBy, nullTime(r.DecidedAt), formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save recognition: %w", err)
	}
	return nil
}

func (s *queries) GetRecognition(ctx context.Context, orgID, id string) (*domain.Recognition, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+recognitionColumns+" FROM recognitions WHERE org_id = ? AND id = ?", orgID, id)
	r, err := scanRecognition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("recognition", id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *queries) ListRecognitions(ctx context.Context, orgID string, f domain.RecognitionFilter) ([]domain.Recognition, error) {
	where := []string{"org_id = ?"}
	args := []any{orgID}

	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.FromUserID != "" {
		where = append(where, "from_user_id = ?")
		args = append(args, f.FromUserID)
	}
	if f.ToUserID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(to_user_ids_json) WHERE value = ?)")
		args = append(args, f.ToUserID)
	}
	if f.Participant != "" {
		where = append(where,
			"(from_user_id = ? OR EXISTS (SELECT 1 FROM json_each(to_user_ids_json) WHERE value = ?))")
		args = append(args, f.Participant, f.Participant)
	}
	if f.Type != "" {
		where = append(where, "recognition_type = ?")
		args = append(args, string(f.Type))
	}
	if f.PublicOnly {
		where = append(where, "is_public = 1")
	}
	if f.ValueTag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(values_tags_json) WHERE value = ?)")
		args = append(args, f.ValueTag)
	}
	if f.Before != nil {
		cond, cargs := cursorCondition(f.Before)
		where = append(where, cond)
		args = append(args, cargs...)
	}

	order := " ORDER BY created_at DESC, id DESC"
	if f.OldestFirst {
		order = " ORDER BY created_at ASC, id ASC"
	}
	args = append(args, sqlLimit(f.Limit))

	query := "SELECT " + recognitionColumns + " FROM recognitions WHERE " +
		strings.Join(where, " AND ") + order + " LIMIT ?"
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recognitions: %w", err)
	}
	defer rows.Close()

	var out []domain.Recognition
	for rows.Next() {
		r, err := scanRecognition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecognition(row scanner) (domain.Recognition, error) {
	var (
		r                                 domain.Recognition
		toIDs, tags, reactions            string
		recType, status, scope, createdAt string
		decidedAt                         sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.OrgID, &r.FromUserID, &toIDs, &r.Message, &recType, &r.PointsAwarded, &tags,
		&r.IsPublic, &status, &scope, &reactions, &r.DecidedBy, &decidedAt, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan recognition: %w", err)
	}
	r.Type = domain.RecognitionType(recType)
	r.Status = domain.RecognitionStatus(status)
	r.Scope = domain.Scope(scope)
	r.DecidedAt = parseNullTime(decidedAt)
	r.CreatedAt = parseTime(createdAt)
	if err := decodeJSON(toIDs, &r.ToUserIDs); err != nil {
		return r, err
	}
	if err := decodeJSON(tags, &r.ValuesTags); err != nil {
		return r, err
	}
	if err := decodeJSON(reactions, &r.Reactions); err != nil {
		return r, err
	}
	return r, nil
}

// =============================================================================
// REWARD STORE
// =============================================================================

const rewardColumns = `id, org_id, title, description, category, reward_type, provider,
	points_required, prices_json, availability, active, regions_json, tags_json, created_at`

func (s *queries) SaveReward(ctx context.Context, r domain.Reward) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	prices, err := json.Marshal(r.Prices)
	if err != nil {
		return err
	}
	regions, err := json.Marshal(nonNil(r.Regions))
	if err != nil {
		return err
	}
	tags, err := json.Marshal(nonNil(r.Tags))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO rewards (` + rewardColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			category = excluded.category,
			reward_type = excluded.reward_type,
			provider = excluded.provider,
			points_required = excluded.points_required,
			prices_json = excluded.prices_json,
			availability = excluded.availability,
			active = excluded.active,
			regions_json = excluded.regions_json,
			tags_json = excluded.tags_json
	`
	_, err = s.q.ExecContext(ctx, query,
		r.ID, r.OrgID, r.Title, r.Description, r.Category, string(r.RewardType), string(r.Provider),
		r.PointsRequired, string(prices), r.Availability, r.Active, string(regions), string(tags),
		formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save reward: %w", err)
	}
	return nil
}

func (s *queries) GetReward(ctx context.Context, orgID, id string) (*domain.Reward, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+rewardColumns+" FROM rewards WHERE org_id = ? AND id = ?", orgID, id)
	r, err := scanReward(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("reward", id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *queries) ListRewards(ctx context.Context, orgID string, f domain.RewardFilter) ([]domain.Reward, error) {
	where := "org_id = ?"
	args := []any{orgID}
	if f.ActiveOnly {
		where += " AND active = 1"
	}
	if f.Region != "" {
		where += " AND EXISTS (SELECT 1 FROM json_each(regions_json) WHERE value = ?)"
		args = append(args, f.Region)
	}
	args = append(args, sqlLimit(f.Limit))

	rows, err := s.q.QueryContext(ctx,
		"SELECT "+rewardColumns+" FROM rewards WHERE "+where+" ORDER BY points_required, title, id LIMIT ?",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	defer rows.Close()

	var out []domain.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DecrementAvailability is a guarded update: it never lets availability go negative.
func (s *queries) DecrementAvailability(ctx context.Context, orgID, rewardID string) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE rewards SET availability = availability - 1 WHERE org_id = ? AND id = ? AND availability > 0",
		orgID, rewardID)
	if err != nil {
		return fmt.Errorf("failed to decrement availability: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetReward(ctx, orgID, rewardID); err != nil {
		return err
	}
	return &domain.OutOfStockError{RewardID: rewardID}
}

func scanReward(row scanner) (domain.Reward, error) {
	var (
		r                               domain.Reward
		rewardType, provider, createdAt string
		prices, regions, tags           string
	)
	err := row.Scan(
		&r.ID, &r.OrgID, &r.Title, &r.Description, &r.Category, &rewardType, &provider,
		&r.PointsRequired, &prices, &r.Availability, &r.Active, &regions, &tags, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan reward: %w", err)
	}
	r.RewardType = domain.RewardType(rewardType)
	r.Provider = domain.Provider(provider)
	r.CreatedAt = parseTime(createdAt)
	if err := decodeJSON(prices, &r.Prices); err != nil {
		return r, err
	}
	if err := decodeJSON(regions, &r.Regions); err != nil {
		return r, err
	}
	if err := decodeJSON(tags, &r.Tags); err != nil {
		return r, err
	}
	return r, nil
}

// =============================================================================
// REDEMPTION STORE
// =============================================================================

const redemptionColumns = `id, org_id, user_id, reward_id, provider, points_used, status,
	delivery_address_json, tracking_number, fulfillment_code, delivered_at, fulfilled_at, redeemed_at`

func (s *queries) SaveRedemption(ctx context.Context, r domain.Redemption) error {
	var address sql.NullString
	if r.DeliveryAddress != nil {
		b, err := json.Marshal(r.DeliveryAddress)
		if err != nil {
			return err
		}
		address = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO redemptions (` + redemptionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			tracking_number = excluded.tracking_number,
			fulfillment_code = excluded.fulfillment_code,
			delivered_at = excluded.delivered_at,
			fulfilled_at = excluded.fulfilled_at
	`
	_, err := s.q.ExecContext(ctx, query,
		r.ID, r.OrgID, r.UserID, r.RewardID, string(r.Provider), r.PointsUsed, string(r.Status),
		address, r.TrackingNumber, r.FulfillmentCode, nullTime(r.DeliveredAt), nullTime(r.FulfilledAt),
		formatTime(r.RedeemedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save redemption: %w", err)
	}
	return nil
}

func (s *queries) GetRedemption(ctx context.Context, orgID, id string) (*domain.Redemption, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+redemptionColumns+" FROM redemptions WHERE org_id = ? AND id = ?", orgID, id)
	r, err := scanRedemption(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("redemption", id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *queries) ListRedemptions(ctx context.Context, orgID string, f domain.RedemptionFilter) ([]domain.Redemption, error) {
	where := "org_id = ?"
	args := []any{orgID}
	if f.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	args = append(args, sqlLimit(f.Limit))

	rows, err := s.q.QueryContext(ctx,
		"SELECT "+redemptionColumns+" FROM redemptions WHERE "+where+" ORDER BY redeemed_at DESC, id DESC LIMIT ?",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer rows.Close()

	var out []domain.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRedemption(row scanner) (domain.Redemption, error) {
	var (
		r                               domain.Redemption
		provider, status, redeemedAt    string
		address, deliveredAt, fulfilled sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.OrgID, &r.UserID, &r.RewardID, &provider, &r.PointsUsed, &status, &address,
		&r.TrackingNumber, &r.FulfillmentCode, &deliveredAt, &fulfilled, &redeemedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan redemption: %w", err)
	}
	r.Provider = domain.Provider(provider)
	r.Status = domain.RedemptionStatus(status)
	r.DeliveredAt = parseNullTime(deliveredAt)
	r.FulfilledAt = parseNullTime(fulfilled)
	r.RedeemedAt = parseTime(redeemedAt)
	if address.Valid {
		if err := decodeJSON(address.String, &r.DeliveryAddress); err != nil {
			return r, err
		}
	}
	return r, nil
}

// =============================================================================
// AUDIT STORE (append-only)
// =============================================================================

func (s *queries) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	diff, err := json.Marshal(e.Diff)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, org_id, actor_id, action, entity_type, entity_id, diff_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrgID, e.ActorID, string(e.Action), e.EntityType, e.EntityID, string(diff),
		formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *queries) ListAudit(ctx context.Context, orgID string, limit int) ([]domain.AuditEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, org_id, actor_id, action, entity_type, entity_id, diff_json, created_at
		FROM audit_log WHERE org_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		orgID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e                       domain.AuditEntry
			action, diff, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ActorID, &action, &e.EntityType, &e.EntityID, &diff, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = domain.AuditAction(action)
		e.CreatedAt = parseTime(createdAt)
		if err := decodeJSON(diff, &e.Diff); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// JOB STORE
// =============================================================================

func (s *queries) JobPeriod(ctx context.Context, job string) (string, error) {
	var period string
	err := s.q.QueryRowContext(ctx, "SELECT period FROM job_runs WHERE job = ?", job).Scan(&period)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get job period: %w", err)
	}
	return period, nil
}

func (s *queries) SetJobPeriod(ctx context.Context, job, period string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO job_runs (job, period, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(job) DO UPDATE SET period = excluded.period, updated_at = excluded.updated_at`,
		job, period, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set job period: %w", err)
	}
	return nil
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

// execOne runs an UPDATE that must touch exactly one row.
func (s *queries) execOne(ctx context.Context, kind, id, query string, args ...any) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound(kind, id)
	}
	return nil
}

// cursorCondition selects rows strictly after c in (created_at desc, id desc) order.
func cursorCondition(c *domain.Cursor) (string, []any) {
	ts := formatTime(c.CreatedAt)
	return "(created_at < ? OR (created_at = ? AND id < ?))", []any{ts, ts, c.ID}
}

// sqlLimit maps "no limit" (<= 0) to SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(domain.CursorTimeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(domain.CursorTimeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
