package accounts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	nonces   map[uint64]uint64
	balances map[uint64]*big.Int
	err      error
}

func (f *fakeChain) NonceAt(_ context.Context, _ common.Address, n *big.Int) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.nonces[n.Uint64()], nil
}

func (f *fakeChain) BalanceAt(_ context.Context, _ common.Address, n *big.Int) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.balances[n.Uint64()], nil
}

func newMonitor(t *testing.T, chain ChainReader) *Monitor {
	t.Helper()
	m, err := NewMonitor(&Config{
		Client:        chain,
		Account:       common.HexToAddress("0x01"),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		PrometheusReg: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return m
}

func TestMonitor(t *testing.T) {
	chain := &fakeChain{
		nonces:   map[uint64]uint64{10: 4, 11: 5, 12: 5},
		balances: map[uint64]*big.Int{10: big.NewInt(100), 11: big.NewInt(90), 12: big.NewInt(80)},
	}

	t.Run("refresh reads nonce and balance", func(t *testing.T) {
		m := newMonitor(t, chain)
		require.NoError(t, m.Refresh(context.Background(), 10))
		assert.Equal(t, uint64(4), m.Nonce())
		assert.Equal(t, big.NewInt(100), m.Balance())
		assert.Equal(t, uint64(10), m.Block())
	})

	t.Run("local inclusion is not undone by a lagging read", func(t *testing.T) {
		m := newMonitor(t, chain)
		require.NoError(t, m.Refresh(context.Background(), 10))
		m.MarkIncluded(4)
		m.MarkIncluded(5)
		assert.Equal(t, uint64(6), m.Nonce())
		require.NoError(t, m.Refresh(context.Background(), 12))
		assert.Equal(t, uint64(6), m.Nonce())
		assert.Equal(t, big.NewInt(80), m.Balance())
	})

	t.Run("older blocks are ignored", func(t *testing.T) {
		m := newMonitor(t, chain)
		require.NoError(t, m.Refresh(context.Background(), 12))
		require.NoError(t, m.Refresh(context.Background(), 10))
		assert.Equal(t, uint64(12), m.Block())
		assert.Equal(t, big.NewInt(80), m.Balance())
	})

	t.Run("read errors leave state untouched", func(t *testing.T) {
		m := newMonitor(t, chain)
		require.NoError(t, m.Refresh(context.Background(), 11))
		broken := newMonitor(t, &fakeChain{err: errors.New("boom")})
		assert.Error(t, broken.Refresh(context.Background(), 11))
		assert.Equal(t, uint64(0), broken.Block())
		assert.Equal(t, uint64(5), m.Nonce())
	})
}
