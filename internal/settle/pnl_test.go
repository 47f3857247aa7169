package settle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputePnL(t *testing.T) {
	t.Run("profit with earned quote fees", func(t *testing.T) {
		pnl := ComputePnL(1.0, 0, 50000, 1.0, 0.05, 51000)

		assert.InDelta(t, 50000.0, pnl.EntryValueUSD, 1e-9)
		assert.InDelta(t, 51000.05, pnl.ExitValueUSD, 1e-9)
		assert.InDelta(t, 1000.05, pnl.PnlUSD, 1e-9)
		assert.InDelta(t, 2.0001, pnl.PnlPercent, 1e-9)
		assert.Equal(t, 0.0, pnl.FeeX)
		assert.InDelta(t, 0.05, pnl.FeeY, 1e-9)
	})

	t.Run("loss when price drops", func(t *testing.T) {
		pnl := ComputePnL(2.0, 0, 100, 2.0, 0, 90)

		assert.InDelta(t, 200.0, pnl.EntryValueUSD, 1e-9)
		assert.InDelta(t, 180.0, pnl.ExitValueUSD, 1e-9)
		assert.InDelta(t, -20.0, pnl.PnlUSD, 1e-9)
		assert.InDelta(t, -10.0, pnl.PnlPercent, 1e-9)
	})

	t.Run("zero entry value yields zero percent", func(t *testing.T) {
		pnl := ComputePnL(0, 100, 50000, 0, 101, 50000)

		assert.Equal(t, 0.0, pnl.EntryValueUSD)
		assert.InDelta(t, 101.0, pnl.ExitValueUSD, 1e-9)
		assert.InDelta(t, 101.0, pnl.PnlUSD, 1e-9)
		assert.Equal(t, 0.0, pnl.PnlPercent)
	})

	t.Run("fees earned on both sides", func(t *testing.T) {
		pnl := ComputePnL(1.0, 10.0, 100, 1.02, 10.5, 100)

		assert.InDelta(t, 0.02, pnl.FeeX, 1e-9)
		assert.InDelta(t, 0.5, pnl.FeeY, 1e-9)
	})

	t.Run("returned less than deposited clamps fees to zero", func(t *testing.T) {
		pnl := ComputePnL(1.0, 10.0, 100, 0.4, 8.0, 100)

		assert.Equal(t, 0.0, pnl.FeeX)
		assert.Equal(t, 0.0, pnl.FeeY)
		assert.True(t, pnl.PnlUSD < 0)
	})

	t.Run("float accumulation stays exact through decimal math", func(t *testing.T) {
		pnl := ComputePnL(0.1, 0, 0.3, 0.1, 0.02, 0.3)

		assert.InDelta(t, 0.02, pnl.PnlUSD, 1e-12)
	})
}
