// Package sqlite persists the token and pool topology and the bundle
// journal in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/poolregistry"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/stableswap"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/token"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv2"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/uniswapv3"
	"github.com/Iwinswap/iwinswap-mev-engine/submission"
	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"
)

var ErrNotFound = errors.New("storage: not found")

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	address  TEXT PRIMARY KEY,
	symbol   TEXT NOT NULL DEFAULT '',
	decimals INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS pools (
	address      TEXT PRIMARY KEY,
	variant      TEXT NOT NULL,
	token0       TEXT NOT NULL,
	token1       TEXT NOT NULL,
	state        BLOB NOT NULL,
	block_number INTEGER NOT NULL,
	block_hash   TEXT NOT NULL,
	active       INTEGER NOT NULL DEFAULT 1,
	updated_at   INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS bundles (
	id           TEXT PRIMARY KEY,
	opportunity  TEXT NOT NULL,
	state        TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	target_block INTEGER NOT NULL,
	included_in  INTEGER NOT NULL DEFAULT 0,
	priority_fee TEXT NOT NULL,
	profit       TEXT NOT NULL,
	own_tx       TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS bundles_state ON bundles(state);
`

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// Store is a SQLite-backed store. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	upsertToken  *sql.Stmt
	upsertPool   *sql.Stmt
	setActive    *sql.Stmt
	upsertBundle *sql.Stmt
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// SQLite serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var err error
	if s.upsertToken, err = s.db.PrepareContext(ctx, `
		INSERT INTO tokens (address, symbol, decimals) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET symbol = excluded.symbol
		WHERE tokens.symbol = ''`); err != nil {
		return fmt.Errorf("failed to prepare token statement: %w", err)
	}
	if s.upsertPool, err = s.db.PrepareContext(ctx, `
		INSERT INTO pools (address, variant, token0, token1, state, block_number, block_hash, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(address) DO UPDATE SET
			state = excluded.state,
			block_number = excluded.block_number,
			block_hash = excluded.block_hash,
			updated_at = excluded.updated_at
		WHERE excluded.block_number >= pools.block_number`); err != nil {
		return fmt.Errorf("failed to prepare pool statement: %w", err)
	}
	if s.setActive, err = s.db.PrepareContext(ctx, `UPDATE pools SET active = ? WHERE address = ?`); err != nil {
		return fmt.Errorf("failed to prepare active statement: %w", err)
	}
	if s.upsertBundle, err = s.db.PrepareContext(ctx, `
		INSERT INTO bundles (id, opportunity, state, attempts, target_block, included_in, priority_fee, profit, own_tx, reason, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			target_block = excluded.target_block,
			included_in = excluded.included_in,
			priority_fee = excluded.priority_fee,
			own_tx = excluded.own_tx,
			reason = excluded.reason,
			finished_at = excluded.finished_at`); err != nil {
		return fmt.Errorf("failed to prepare bundle statement: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	for _, st := range []*sql.Stmt{s.upsertToken, s.upsertPool, s.setActive, s.upsertBundle} {
		if st != nil {
			st.Close()
		}
	}
	return s.db.Close()
}

// SaveToken records a token. A token already stored with different
// decimals is a conflict.
func (s *Store) SaveToken(ctx context.Context, t token.TokenView) error {
	if existing, err := s.Token(ctx, t.Address); err == nil {
		if err := existing.Compatible(t); err != nil {
			return err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := s.upsertToken.ExecContext(ctx, addrKey(t.Address), t.Symbol, t.Decimals); err != nil {
		return fmt.Errorf("failed to save token %s: %w", t.Address.Hex(), err)
	}
	return nil
}

// Token returns a stored token or ErrNotFound.
func (s *Store) Token(ctx context.Context, addr common.Address) (token.TokenView, error) {
	var (
		raw string
		t   token.TokenView
	)
	err := s.db.QueryRowContext(ctx, `SELECT address, symbol, decimals FROM tokens WHERE address = ?`, addrKey(addr)).
		Scan(&raw, &t.Symbol, &t.Decimals)
	if errors.Is(err, sql.ErrNoRows) {
		return token.TokenView{}, ErrNotFound
	}
	if err != nil {
		return token.TokenView{}, err
	}
	t.Address = common.HexToAddress(raw)
	return t, nil
}

// Tokens returns every stored token ordered by address.
func (s *Store) Tokens(ctx context.Context) ([]token.TokenView, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, symbol, decimals FROM tokens ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	var out []token.TokenView
	for rows.Next() {
		var (
			raw string
			t   token.TokenView
		)
		if err := rows.Scan(&raw, &t.Symbol, &t.Decimals); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		t.Address = common.HexToAddress(raw)
		out = append(out, t)
	}
	return out, rows.Err()
}

// poolState is the persisted variant state; exactly one of V2, V3 and
// Stable is set.
type poolState struct {
	Factory string                `json:"factory,omitempty"`
	V2      *uniswapv2.PoolState  `json:"v2,omitempty"`
	V3      *uniswapv3.PoolState  `json:"v3,omitempty"`
	Stable  *stableswap.PoolState `json:"stable,omitempty"`
}

// SavePool records a pool and its state. State older than what is stored
// is ignored; the active flag is left as it was.
func (s *Store) SavePool(ctx context.Context, p *market.Pool) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ps := poolState{V2: p.V2, V3: p.V3, Stable: p.Stable}
	if p.Factory != (common.Address{}) {
		ps.Factory = p.Factory.Hex()
	}
	state, err := sonnet.Marshal(ps)
	if err != nil {
		return fmt.Errorf("failed to encode pool %s: %w", p.Address.Hex(), err)
	}
	_, err = s.upsertPool.ExecContext(ctx,
		addrKey(p.Address), p.Variant.String(), addrKey(p.Token0), addrKey(p.Token1),
		state, p.UpdatedAt.Number, p.UpdatedAt.Hash.Hex(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save pool %s: %w", p.Address.Hex(), err)
	}
	return nil
}

// SetPoolActive flags a stored pool. Unknown pools give ErrNotFound.
func (s *Store) SetPoolActive(ctx context.Context, addr common.Address, active bool) error {
	res, err := s.setActive.ExecContext(ctx, active, addrKey(addr))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StoredPool is a pool row: the pool and its topology flag.
type StoredPool struct {
	Pool   *market.Pool
	Active bool
}

// Pools returns every stored pool ordered by address.
func (s *Store) Pools(ctx context.Context) ([]StoredPool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, variant, token0, token1, state, block_number, block_hash, active
		FROM pools ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pools: %w", err)
	}
	defer rows.Close()

	var out []StoredPool
	for rows.Next() {
		var (
			addr, variant, t0, t1, hash string
			state                       []byte
			number                      uint64
			active                      bool
		)
		if err := rows.Scan(&addr, &variant, &t0, &t1, &state, &number, &hash, &active); err != nil {
			return nil, fmt.Errorf("failed to scan pool: %w", err)
		}
		v, err := market.ParseVariant(variant)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", addr, err)
		}
		var ps poolState
		if err := sonnet.Unmarshal(state, &ps); err != nil {
			return nil, fmt.Errorf("pool %s: failed to decode state: %w", addr, err)
		}
		p := &market.Pool{
			Address:   common.HexToAddress(addr),
			Variant:   v,
			Token0:    common.HexToAddress(t0),
			Token1:    common.HexToAddress(t1),
			V2:        ps.V2,
			V3:        ps.V3,
			Stable:    ps.Stable,
			UpdatedAt: market.BlockRef{Number: number, Hash: common.HexToHash(hash)},
		}
		if ps.Factory != "" {
			p.Factory = common.HexToAddress(ps.Factory)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out = append(out, StoredPool{Pool: p, Active: active})
	}
	return out, rows.Err()
}

// Topology is the registry surface LoadTopology fills.
type Topology interface {
	AddToken(t token.TokenView) (token.TokenView, error)
	AddPool(in poolregistry.PoolInput) (poolregistry.PoolView, error)
	SetActive(addr common.Address, active bool) error
}

// LoadTopology registers every stored token and pool and returns the
// pools so their state can seed the first resync.
func (s *Store) LoadTopology(ctx context.Context, t Topology) ([]*market.Pool, error) {
	tokens, err := s.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	for _, tok := range tokens {
		if _, err := t.AddToken(tok); err != nil {
			return nil, fmt.Errorf("loading token %s: %w", tok.Address.Hex(), err)
		}
	}
	stored, err := s.Pools(ctx)
	if err != nil {
		return nil, err
	}
	pools := make([]*market.Pool, 0, len(stored))
	for _, sp := range stored {
		p := sp.Pool
		if _, err := t.AddPool(poolregistry.PoolInput{
			Address: p.Address,
			Variant: p.Variant,
			Token0:  p.Token0,
			Token1:  p.Token1,
		}); err != nil {
			return nil, fmt.Errorf("loading pool %s: %w", p.Address.Hex(), err)
		}
		if err := t.SetActive(p.Address, sp.Active); err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// JournalEntry is one bundle in the journal.
type JournalEntry struct {
	BundleID    string
	Opportunity common.Hash
	State       string
	Attempts    int
	TargetBlock uint64
	IncludedIn  uint64
	PriorityFee *big.Int
	Profit      *big.Int
	OwnTx       common.Hash
	Reason      string
	CreatedAt   time.Time
	FinishedAt  time.Time
}

// RecordOutcome writes a bundle outcome to the journal, replacing an
// earlier record of the same bundle.
func (s *Store) RecordOutcome(ctx context.Context, o submission.Outcome) error {
	b := o.Bundle
	if b == nil {
		return errors.New("outcome has no bundle")
	}
	var own common.Hash
	if tx := b.Own(); tx != nil {
		own = tx.Hash()
	}
	fee := "0"
	if b.PriorityFee != nil {
		fee = b.PriorityFee.Dec()
	}
	profit := "0"
	if b.Simulation.Profit != nil {
		profit = b.Simulation.Profit.String()
	}
	_, err := s.upsertBundle.ExecContext(ctx,
		b.ID.String(), b.Opportunity.ID.Hex(), o.State.String(), o.Attempts, b.TargetBlock, o.IncludedIn,
		fee, profit, own.Hex(), o.Reason, b.CreatedAt.UnixMilli(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record bundle %s: %w", b.ID, err)
	}
	return nil
}

// Journal returns the most recent entries, newest first. A non-positive
// limit returns everything.
func (s *Store) Journal(ctx context.Context, limit int) ([]JournalEntry, error) {
	q := `SELECT id, opportunity, state, attempts, target_block, included_in, priority_fee, profit, own_tx, reason, created_at, finished_at
		FROM bundles ORDER BY finished_at DESC, id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e                     JournalEntry
			opp, fee, profit, own string
			createdAt, finishedAt int64
		)
		if err := rows.Scan(&e.BundleID, &opp, &e.State, &e.Attempts, &e.TargetBlock, &e.IncludedIn,
			&fee, &profit, &own, &e.Reason, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Opportunity = common.HexToHash(opp)
		e.OwnTx = common.HexToHash(own)
		e.PriorityFee, _ = new(big.Int).SetString(fee, 10)
		e.Profit, _ = new(big.Int).SetString(profit, 10)
		e.CreatedAt = time.UnixMilli(createdAt)
		e.FinishedAt = time.UnixMilli(finishedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of journal entries per state.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM bundles GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// addrKey is the lower-case hex form used as a key.
func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}
