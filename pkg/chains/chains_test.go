package chains

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	t.Run("known chain", func(t *testing.T) {
		c, err := Lookup(1)
		require.NoError(t, err)
		assert.Equal(t, Mainnet, c.ID)
		assert.Equal(t, common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), c.WrappedNative)
		assert.Equal(t, 12*time.Second, c.BlockTime)
	})

	t.Run("unknown chain", func(t *testing.T) {
		_, err := Lookup(999)
		assert.Error(t, err)
		assert.Equal(t, "chain-999", ID(999).String())
	})

	t.Run("every chain has a wrapped native token", func(t *testing.T) {
		for id, c := range known {
			assert.NotEqual(t, common.Address{}, c.WrappedNative, id.String())
			assert.Positive(t, c.BlockTime, id.String())
		}
	})
}
