package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type pairKey struct {
	reporter, reported int64
}

// MemoryStore is an in-memory Store for development and tests.
//
// Atomic holds the store mutex for the whole unit, so units are serialised.
// Writes made through the unit are staged and only applied when fn succeeds.
type MemoryStore struct {
	mu         sync.Mutex
	accounts   map[int64]*Account
	emails     map[string]int64
	txns       map[int64]*Transaction
	refs       map[string]int64
	pairs      map[pairKey]int
	logs       []*LogEntry
	decayRuns  map[string]int
	nextAcctID int64
	nextTxID   int64
	nextLogID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[int64]*Account),
		emails:    make(map[string]int64),
		txns:      make(map[int64]*Transaction),
		refs:      make(map[string]int64),
		pairs:     make(map[pairKey]int),
		decayRuns: make(map[string]int),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Atomic(ctx context.Context, fn func(Unit) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := &memoryUnit{
		store:    m,
		accounts: make(map[int64]*Account),
		txns:     make(map[int64]*Transaction),
		pairs:    make(map[pairKey]int),
	}
	if err := fn(u); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	u.commit()
	return nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.emails[acct.Email]; ok {
		return ErrDuplicateEmail
	}
	m.nextAcctID++
	now := time.Now()
	acct.ID = m.nextAcctID
	acct.CreatedAt = now
	acct.UpdatedAt = now
	if acct.Status == "" {
		acct.Status = AccountActive
	}
	m.accounts[acct.ID] = acct.clone()
	m.emails[acct.Email] = acct.ID
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a.clone(), nil
}

func (m *MemoryStore) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.emails[email]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return m.accounts[id].clone(), nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id int64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) ListReleasable(_ context.Context, now time.Time, afterID int64, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, t := range m.txns {
		if t.ID > afterID && t.Releasable(now) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, t := range m.txns {
		if t.Status == status {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TryClaim(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok || !t.Claimable() {
		return false, nil
	}
	t.InProgress = true
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ClearClaim(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.InProgress {
		t.InProgress = false
		t.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) AppendLog(_ context.Context, entry *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLogLocked(entry)
	return nil
}

func (m *MemoryStore) appendLogLocked(entry *LogEntry) {
	m.nextLogID++
	entry.ID = m.nextLogID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	cp := *entry
	m.logs = append(m.logs, &cp)
}

func (m *MemoryStore) ListLogs(_ context.Context, txID int64) ([]*LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*LogEntry
	for _, e := range m.logs {
		if e.TransactionID == txID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) PairScore(_ context.Context, reporterID, reportedID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairs[pairKey{reporterID, reportedID}], nil
}

func (m *MemoryStore) DecayRiskScores(_ context.Context, period string, step int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, done := m.decayRuns[period]; done {
		return 0, false, nil
	}
	affected := 0
	now := time.Now()
	for _, a := range m.accounts {
		if a.RiskScore > 0 {
			a.DecayRisk(step)
			a.UpdatedAt = now
			affected++
		}
	}
	m.decayRuns[period] = affected
	return affected, true, nil
}

func (m *MemoryStore) ListHoldMismatches(_ context.Context) ([]HoldMismatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expected := make(map[int64]decimal.Decimal)
	for _, t := range m.txns {
		if t.IsEscrowed() && t.Status == StatusPending {
			expected[t.SenderID] = expected[t.SenderID].Add(t.Amount)
		}
	}
	var out []HoldMismatch
	for id, a := range m.accounts {
		if held := a.Held(); !held.Equal(expected[id]) {
			out = append(out, HoldMismatch{AccountID: id, Held: held, Expected: expected[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (m *MemoryStore) ListStuckClaims(_ context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, t := range m.txns {
		if t.InProgress && t.UpdatedAt.Before(cutoff) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// memoryUnit stages writes until the enclosing Atomic call commits.
type memoryUnit struct {
	store    *MemoryStore
	accounts map[int64]*Account
	txns     map[int64]*Transaction
	inserted []int64
	pairs    map[pairKey]int
	logs     []*LogEntry
}

func (u *memoryUnit) account(id int64) (*Account, bool) {
	if a, ok := u.accounts[id]; ok {
		return a, true
	}
	a, ok := u.store.accounts[id]
	return a, ok
}

func (u *memoryUnit) transaction(id int64) (*Transaction, bool) {
	if t, ok := u.txns[id]; ok {
		return t, true
	}
	t, ok := u.store.txns[id]
	return t, ok
}

func (u *memoryUnit) LockTransaction(_ context.Context, id int64) (*Transaction, error) {
	t, ok := u.transaction(id)
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.clone(), nil
}

func (u *memoryUnit) LockAccounts(_ context.Context, ids ...int64) (map[int64]*Account, error) {
	out := make(map[int64]*Account, len(ids))
	for _, id := range ids {
		if a, ok := u.account(id); ok {
			out[id] = a.clone()
		}
	}
	return out, nil
}

func (u *memoryUnit) FindAccountByEmail(_ context.Context, email string) (*Account, error) {
	id, ok := u.store.emails[email]
	if !ok {
		return nil, ErrAccountNotFound
	}
	a, _ := u.account(id)
	return a.clone(), nil
}

func (u *memoryUnit) SaveAccount(_ context.Context, acct *Account) error {
	if _, ok := u.account(acct.ID); !ok {
		return ErrAccountNotFound
	}
	if acct.AvailableBalance.IsNegative() || acct.AvailableBalance.GreaterThan(acct.Balance) {
		return fmt.Errorf("account %d: %w", acct.ID, ErrHoldMismatch)
	}
	cp := acct.clone()
	cp.UpdatedAt = time.Now()
	u.accounts[acct.ID] = cp
	return nil
}

func (u *memoryUnit) InsertTransaction(_ context.Context, t *Transaction) error {
	if _, ok := u.store.refs[t.Reference]; ok {
		return ErrDuplicateReference
	}
	for _, id := range u.inserted {
		if u.txns[id].Reference == t.Reference {
			return ErrDuplicateReference
		}
	}
	u.store.nextTxID++
	now := time.Now()
	t.ID = u.store.nextTxID
	t.CreatedAt = now
	t.UpdatedAt = now
	u.txns[t.ID] = t.clone()
	u.inserted = append(u.inserted, t.ID)
	return nil
}

func (u *memoryUnit) SaveTransaction(_ context.Context, t *Transaction) error {
	if _, ok := u.transaction(t.ID); !ok {
		return ErrTransactionNotFound
	}
	cp := t.clone()
	cp.UpdatedAt = time.Now()
	u.txns[t.ID] = cp
	return nil
}

func (u *memoryUnit) CountPendingEscrows(_ context.Context, receiverID int64) (int, error) {
	n := 0
	seen := make(map[int64]bool, len(u.txns))
	count := func(t *Transaction) {
		if t.ReceiverID == receiverID && t.IsEscrowed() && t.Status == StatusPending {
			n++
		}
	}
	for id, t := range u.txns {
		seen[id] = true
		count(t)
	}
	for id, t := range u.store.txns {
		if !seen[id] {
			count(t)
		}
	}
	return n, nil
}

func (u *memoryUnit) PairScore(_ context.Context, reporterID, reportedID int64) (int, error) {
	k := pairKey{reporterID, reportedID}
	return u.store.pairs[k] + u.pairs[k], nil
}

func (u *memoryUnit) IncrementPairScore(ctx context.Context, reporterID, reportedID int64) (int, error) {
	u.pairs[pairKey{reporterID, reportedID}]++
	return u.PairScore(ctx, reporterID, reportedID)
}

func (u *memoryUnit) AppendLog(_ context.Context, entry *LogEntry) error {
	cp := *entry
	u.logs = append(u.logs, &cp)
	return nil
}

func (u *memoryUnit) commit() {
	s := u.store
	for id, a := range u.accounts {
		s.accounts[id] = a
	}
	for id, t := range u.txns {
		s.txns[id] = t
	}
	for _, id := range u.inserted {
		s.refs[u.txns[id].Reference] = id
	}
	for k, d := range u.pairs {
		s.pairs[k] += d
	}
	for _, e := range u.logs {
		s.appendLogLocked(e)
	}
}
