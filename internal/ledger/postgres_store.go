package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
)

// DefaultLockTimeout bounds how long a unit waits for a row lock before the
// wait surfaces as a transient error.
const DefaultLockTimeout = 5 * time.Second

// PostgresStore persists the ledger in PostgreSQL.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: DefaultLockTimeout}
}

// WithLockTimeout overrides the per-unit lock wait limit.
func (p *PostgresStore) WithLockTimeout(d time.Duration) *PostgresStore {
	if d > 0 {
		p.lockTimeout = d
	}
	return p
}

var _ Store = (*PostgresStore)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const accountColumns = `id, name, email, balance, available_balance, risk_score, status, created_at, updated_at`

const transactionColumns = `id, reference, sender_id, receiver_id, amount, kind, purpose, status,
	disputed, in_progress, scheduled_release_at, processed_at, note, dispute_evidence,
	created_at, updated_at`

func scanAccount(sc scanner) (*Account, error) {
	a := &Account{}
	var status string
	if err := sc.Scan(&a.ID, &a.Name, &a.Email, &a.Balance, &a.AvailableBalance,
		&a.RiskScore, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = AccountStatus(status)
	return a, nil
}

func scanTransaction(sc scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		kind, purpose, status string
		scheduled, processed  sql.NullTime
		note, evidence        sql.NullString
	)
	if err := sc.Scan(&t.ID, &t.Reference, &t.SenderID, &t.ReceiverID, &t.Amount,
		&kind, &purpose, &status, &t.Disputed, &t.InProgress,
		&scheduled, &processed, &note, &evidence, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	t.Purpose = Purpose(purpose)
	t.Status = Status(status)
	if scheduled.Valid {
		t.ScheduledReleaseAt = &scheduled.Time
	}
	if processed.Valid {
		t.ProcessedAt = &processed.Time
	}
	t.Note = note.String
	t.DisputeEvidence = evidence.String
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (p *PostgresStore) Atomic(ctx context.Context, fn func(Unit) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin unit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// SET LOCAL does not accept bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err := fn(&pgUnit{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unit: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	if acct.Status == "" {
		acct.Status = AccountActive
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (name, email, balance, available_balance, risk_score, status, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(16,2), $4::NUMERIC(16,2), $5, $6, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		acct.Name, acct.Email, acct.Balance, acct.AvailableBalance, acct.RiskScore, string(acct.Status),
	).Scan(&acct.ID, &acct.CreatedAt, &acct.UpdatedAt)
	if isUniqueViolation(err, "accounts_email_key") {
		return ErrDuplicateEmail
	}
	return err
}

func (p *PostgresStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	a, err := scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return findAccountByEmail(ctx, p.db, email)
}

func findAccountByEmail(ctx context.Context, q querier, email string) (*Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) ListReleasable(ctx context.Context, now time.Time, afterID int64, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE purpose = 'goods_services'
		  AND kind = 'send'
		  AND status = 'pending'
		  AND disputed = FALSE
		  AND in_progress = FALSE
		  AND scheduled_release_at IS NOT NULL
		  AND scheduled_release_at <= $1
		  AND id > $2
		ORDER BY id ASC
		LIMIT $3`, now, afterID, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = $1
		ORDER BY id ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]*Transaction, error) {
	defer rows.Close()
	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TryClaim(ctx context.Context, id int64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET in_progress = TRUE, updated_at = NOW()
		WHERE id = $1 AND in_progress = FALSE AND status = 'pending' AND disputed = FALSE`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ClearClaim(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET in_progress = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	return appendLog(ctx, p.db, entry)
}

func appendLog(ctx context.Context, q querier, entry *LogEntry) error {
	return q.QueryRowContext(ctx, `
		INSERT INTO transaction_logs (transaction_id, action, actor, note, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at`,
		entry.TransactionID, string(entry.Action), entry.Actor, nullString(entry.Note),
	).Scan(&entry.ID, &entry.CreatedAt)
}

func (p *PostgresStore) ListLogs(ctx context.Context, txID int64) ([]*LogEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, action, actor, note, created_at
		FROM transaction_logs WHERE transaction_id = $1
		ORDER BY id ASC`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var action string
		var note sql.NullString
		if err := rows.Scan(&e.ID, &e.TransactionID, &action, &e.Actor, &note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		e.Note = note.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PairScore(ctx context.Context, reporterID, reportedID int64) (int, error) {
	return pairScore(ctx, p.db, reporterID, reportedID)
}

func pairScore(ctx context.Context, q querier, reporterID, reportedID int64) (int, error) {
	var score int
	err := q.QueryRowContext(ctx, `
		SELECT score FROM reputation_pairs WHERE reporter_id = $1 AND reported_id = $2`,
		reporterID, reportedID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return score, err
}

func (p *PostgresStore) DecayRiskScores(ctx context.Context, period string, step int) (int, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO risk_decay_runs (period, step, ran_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (period) DO NOTHING`, period, step)
	if err != nil {
		return 0, false, fmt.Errorf("record decay run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE accounts SET risk_score = GREATEST(risk_score - $1, 0), updated_at = NOW()
		WHERE risk_score > 0`, step)
	if err != nil {
		return 0, false, fmt.Errorf("decay risk scores: %w", err)
	}
	affected, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
		UPDATE risk_decay_runs SET accounts_affected = $2 WHERE period = $1`, period, affected); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return int(affected), true, nil
}

func (p *PostgresStore) ListHoldMismatches(ctx context.Context) ([]HoldMismatch, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.balance - a.available_balance, COALESCE(h.total, 0)
		FROM accounts a
		LEFT JOIN (
			SELECT sender_id, SUM(amount) AS total FROM transactions
			WHERE kind = 'send' AND purpose = 'goods_services' AND status = 'pending'
			GROUP BY sender_id
		) h ON h.sender_id = a.id
		WHERE a.balance - a.available_balance <> COALESCE(h.total, 0)
		ORDER BY a.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HoldMismatch
	for rows.Next() {
		var m HoldMismatch
		if err := rows.Scan(&m.AccountID, &m.Held, &m.Expected); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListStuckClaims(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE in_progress = TRUE AND updated_at < $1
		ORDER BY updated_at ASC, id ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// pgUnit runs statements on the transaction opened by Atomic.
type pgUnit struct {
	q querier
}

func (u *pgUnit) LockTransaction(ctx context.Context, id int64) (*Transaction, error) {
	t, err := scanTransaction(u.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (u *pgUnit) LockAccounts(ctx context.Context, ids ...int64) (map[int64]*Account, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	// FOR UPDATE locks rows in the order the scan returns them.
	rows, err := u.q.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE id = ANY($1)
		ORDER BY id ASC
		FOR UPDATE`, pq.Array(sorted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]*Account, len(sorted))
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

func (u *pgUnit) FindAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return findAccountByEmail(ctx, u.q, email)
}

func (u *pgUnit) SaveAccount(ctx context.Context, acct *Account) error {
	res, err := u.q.ExecContext(ctx, `
		UPDATE accounts SET
			balance           = $2::NUMERIC(16,2),
			available_balance = $3::NUMERIC(16,2),
			risk_score        = $4,
			status            = $5,
			updated_at        = NOW()
		WHERE id = $1`,
		acct.ID, acct.Balance, acct.AvailableBalance, acct.RiskScore, string(acct.Status))
	if err != nil {
		return fmt.Errorf("save account %d: %w", acct.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (u *pgUnit) InsertTransaction(ctx context.Context, t *Transaction) error {
	err := u.q.QueryRowContext(ctx, `
		INSERT INTO transactions (
			reference, sender_id, receiver_id, amount, kind, purpose, status,
			disputed, in_progress, scheduled_release_at, processed_at, note,
			dispute_evidence, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(16,2), $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, NOW(), NOW()
		) RETURNING id, created_at, updated_at`,
		t.Reference, t.SenderID, t.ReceiverID, t.Amount, string(t.Kind), string(t.Purpose), string(t.Status),
		t.Disputed, t.InProgress, nullTime(t.ScheduledReleaseAt), nullTime(t.ProcessedAt), nullString(t.Note),
		nullString(t.DisputeEvidence),
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err, "transactions_reference_key") {
		return ErrDuplicateReference
	}
	return err
}

func (u *pgUnit) SaveTransaction(ctx context.Context, t *Transaction) error {
	res, err := u.q.ExecContext(ctx, `
		UPDATE transactions SET
			status               = $2,
			disputed             = $3,
			in_progress          = $4,
			scheduled_release_at = $5,
			processed_at         = $6,
			dispute_evidence     = $7,
			updated_at           = NOW()
		WHERE id = $1`,
		t.ID, string(t.Status), t.Disputed, t.InProgress,
		nullTime(t.ScheduledReleaseAt), nullTime(t.ProcessedAt), nullString(t.DisputeEvidence))
	if err != nil {
		return fmt.Errorf("save transaction %d: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (u *pgUnit) CountPendingEscrows(ctx context.Context, receiverID int64) (int, error) {
	var n int
	err := u.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE receiver_id = $1 AND kind = 'send' AND purpose = 'goods_services' AND status = 'pending'`,
		receiverID).Scan(&n)
	return n, err
}

func (u *pgUnit) PairScore(ctx context.Context, reporterID, reportedID int64) (int, error) {
	return pairScore(ctx, u.q, reporterID, reportedID)
}

func (u *pgUnit) IncrementPairScore(ctx context.Context, reporterID, reportedID int64) (int, error) {
	var score int
	err := u.q.QueryRowContext(ctx, `
		INSERT INTO reputation_pairs (reporter_id, reported_id, score, created_at, updated_at)
		VALUES ($1, $2, 1, NOW(), NOW())
		ON CONFLICT (reporter_id, reported_id)
		DO UPDATE SET score = reputation_pairs.score + 1, updated_at = NOW()
		RETURNING score`, reporterID, reportedID).Scan(&score)
	return score, err
}

func (u *pgUnit) AppendLog(ctx context.Context, entry *LogEntry) error {
	return appendLog(ctx, u.q, entry)
}
