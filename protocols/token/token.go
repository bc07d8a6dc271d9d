package token

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var ErrConflictingToken = errors.New("token: address already registered with different metadata")

// TokenView is an observed ERC-20 token. Tokens are immutable once observed.
type TokenView struct {
	ID       uint64         `json:"id" yaml:"-"`
	Address  common.Address `json:"address" yaml:"address"`
	Symbol   string         `json:"symbol,omitempty" yaml:"symbol"`
	Decimals uint8          `json:"decimals" yaml:"decimals"`
}

// String returns the symbol when known and the address otherwise.
func (t TokenView) String() string {
	if t.Symbol != "" {
		return t.Symbol
	}
	return t.Address.Hex()
}

// Compatible reports whether other describes the same token. A missing
// symbol on either side is not a conflict.
func (t TokenView) Compatible(other TokenView) error {
	if t.Address != other.Address {
		return fmt.Errorf("%w: %s vs %s", ErrConflictingToken, t.Address.Hex(), other.Address.Hex())
	}
	if t.Decimals != other.Decimals {
		return fmt.Errorf("%w: %s decimals %d vs %d", ErrConflictingToken, t.Address.Hex(), t.Decimals, other.Decimals)
	}
	if t.Symbol != "" && other.Symbol != "" && t.Symbol != other.Symbol {
		return fmt.Errorf("%w: %s symbol %q vs %q", ErrConflictingToken, t.Address.Hex(), t.Symbol, other.Symbol)
	}
	return nil
}
