package models

import (
	"time"

	"gorm.io/gorm"
)

// Position status values.
const (
	PositionStatusActive = "active"
	PositionStatusClosed = "closed"
)

// Position represents one liquidity deposit in a DLMM pool. While active
// exactly one row exists per on-chain position account; once closed the row
// is immutable except for audit fields.
type Position struct {
	gorm.Model
	UserID          uint   `gorm:"index;not null"`
	PositionAddress string `gorm:"size:44;uniqueIndex;not null"`
	PoolAddress     string `gorm:"size:44;index;not null"`

	// Recorded at creation. Token amounts are UI amounts (decimals applied).
	DepositedX    float64 `gorm:"default:0"`
	DepositedY    float64 `gorm:"default:0"`
	EntryPrice    float64 `gorm:"default:0"`
	EntryBinID    int32
	LowerBinID    int32
	UpperBinID    int32
	Status        string `gorm:"size:20;default:'active';index"`
	LastCheckedAt time.Time

	// Set at closure. Fees are the positive excess of returned amounts over
	// the originally deposited amounts.
	ExitPrice           *float64
	ExitBinID           *int32
	ReturnedX           float64 `gorm:"default:0"`
	ReturnedY           float64 `gorm:"default:0"`
	FeeX                float64 `gorm:"default:0"`
	FeeY                float64 `gorm:"default:0"`
	PnlUSD              *float64
	PnlPercent          *float64
	GasEstimateLamports uint64 `gorm:"default:0"` // balance-delta estimate, not exact
	ClosedAt            *time.Time

	// Relationships
	User User `gorm:"foreignKey:UserID"`
}

// IsClosed reports whether the position has been closed.
func (p *Position) IsClosed() bool {
	return p.Status == PositionStatusClosed
}
