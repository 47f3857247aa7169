package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wnt/rebalancer/internal/dlmm"
	"github.com/wnt/rebalancer/internal/entitlement"
	"github.com/wnt/rebalancer/internal/models"
	"gorm.io/gorm"
)

// Exit carries the market state observed when a position was closed.
type Exit struct {
	Price               float64
	BinID               int32
	ReturnedX           float64
	ReturnedY           float64
	GasEstimateLamports uint64
}

// Summary is the durable result of a settled reposition.
type Summary struct {
	OldPosition string
	NewPosition string
	PnL         PnL
	ReturnedX   float64
	ReturnedY   float64
	ExitPrice   float64
	Mode        entitlement.Mode
	CreditsUsed bool
}

// UsageReporter is the slice of the access-control service the ledger needs.
type UsageReporter interface {
	UseCredits(ctx context.Context, address string, count int, refID, note string) error
	RecordExecution(ctx context.Context, record entitlement.ExecutionRecord) error
}

// Ledger persists reposition outcomes and reports usage. All database writes
// for one reposition are applied as a single transaction; the on-chain state
// is the source of truth and is never rolled back.
type Ledger struct {
	db     *gorm.DB
	remote UsageReporter
	logger zerolog.Logger
}

// NewLedger creates a ledger over the given database and usage reporter.
func NewLedger(db *gorm.DB, remote UsageReporter, logger zerolog.Logger) *Ledger {
	return &Ledger{
		db:     db,
		remote: remote,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// SettleReposition closes the old position row, records the new one and
// updates aggregate user statistics as one durable unit, then reports usage
// and deducts one credit in credits mode. Credit deduction happens at most
// once per successful reposition; reporting failures after the database
// commit are logged, never propagated.
func (l *Ledger) SettleReposition(ctx context.Context, user *models.User, old *models.Position, exit Exit, created dlmm.CreateResult, entryPrice float64, mode entitlement.Mode, linkedWallet string, success bool) (Summary, error) {
	pnl := ComputePnL(old.DepositedX, old.DepositedY, old.EntryPrice, exit.ReturnedX, exit.ReturnedY, exit.Price)

	newPosition := &models.Position{
		UserID:          user.ID,
		PositionAddress: created.PositionAddress.String(),
		PoolAddress:     old.PoolAddress,
		DepositedX:      created.DepositedX,
		DepositedY:      created.DepositedY,
		EntryPrice:      entryPrice,
		EntryBinID:      created.ActiveBin,
		LowerBinID:      created.LowerBinID,
		UpperBinID:      created.UpperBinID,
		Status:          models.PositionStatusActive,
		LastCheckedAt:   time.Now().UTC(),
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := closePositionRow(tx, old, exit, pnl); err != nil {
			return err
		}

		if err := tx.Create(newPosition).Error; err != nil {
			return fmt.Errorf("failed to create new position record: %w", err)
		}

		var stats models.UserStats
		if err := tx.Where("user_id = ?", user.ID).FirstOrCreate(&stats, models.UserStats{UserID: user.ID}).Error; err != nil {
			return fmt.Errorf("failed to load user stats: %w", err)
		}
		stats.TotalRepositions++
		stats.TotalPnlUSD += pnl.PnlUSD
		stats.TotalFeesUSD += pnl.FeeX*exit.Price + pnl.FeeY
		stats.LastRepositionAt = time.Now().UTC()
		if err := tx.Save(&stats).Error; err != nil {
			return fmt.Errorf("failed to update user stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to persist reposition: %w", err)
	}

	summary := Summary{
		OldPosition: old.PositionAddress,
		NewPosition: newPosition.PositionAddress,
		PnL:         pnl,
		ReturnedX:   exit.ReturnedX,
		ReturnedY:   exit.ReturnedY,
		ExitPrice:   exit.Price,
		Mode:        mode,
	}

	record := entitlement.ExecutionRecord{
		Address:      linkedWallet,
		PositionRef:  newPosition.PositionAddress,
		Success:      success,
		CostEstimate: float64(exit.GasEstimateLamports) / 1e9,
		Mode:         string(mode),
	}
	if err := l.remote.RecordExecution(ctx, record); err != nil {
		l.logger.Warn().Err(err).Msg("failed to report execution usage")
	}

	if success && mode == entitlement.ModeCredits {
		refID := uuid.NewString()
		note := fmt.Sprintf("auto-reposition %s", newPosition.PositionAddress)
		if err := l.remote.UseCredits(ctx, linkedWallet, 1, refID, note); err != nil {
			// Not retried: the deduction must fire at most once
			l.logger.Error().Err(err).Str("ref_id", refID).Msg("failed to deduct credit")
		} else {
			summary.CreditsUsed = true
		}
	}

	return summary, nil
}

// MarkClosed records the closure of a position whose replacement was never
// created (critical path) or whose account vanished on chain. The status
// guard makes the write idempotent: a row already closed is left untouched.
func (l *Ledger) MarkClosed(ctx context.Context, position *models.Position, exit Exit) error {
	pnl := ComputePnL(position.DepositedX, position.DepositedY, position.EntryPrice, exit.ReturnedX, exit.ReturnedY, exit.Price)
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return closePositionRow(tx, position, exit, pnl)
	})
}

func closePositionRow(tx *gorm.DB, position *models.Position, exit Exit, pnl PnL) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":                models.PositionStatusClosed,
		"exit_price":            exit.Price,
		"exit_bin_id":           exit.BinID,
		"returned_x":            exit.ReturnedX,
		"returned_y":            exit.ReturnedY,
		"fee_x":                 pnl.FeeX,
		"fee_y":                 pnl.FeeY,
		"pnl_usd":               pnl.PnlUSD,
		"pnl_percent":           pnl.PnlPercent,
		"gas_estimate_lamports": exit.GasEstimateLamports,
		"closed_at":             now,
	}

	result := tx.Model(&models.Position{}).
		Where("id = ? AND status = ?", position.ID, models.PositionStatusActive).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to close position record: %w", result.Error)
	}
	// RowsAffected 0 means the row was already closed; the position must
	// never end up simultaneously active and closed, so this is a no-op,
	// not an error.
	return nil
}
