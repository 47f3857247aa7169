package models

import (
	"time"

	"gorm.io/gorm"
)

// UserStats holds aggregate rebalancing statistics, one row per user.
type UserStats struct {
	gorm.Model
	UserID           uint    `gorm:"uniqueIndex;not null"`
	TotalRepositions int     `gorm:"default:0"`
	TotalPnlUSD      float64 `gorm:"default:0"`
	TotalFeesUSD     float64 `gorm:"default:0"`
	LastRepositionAt time.Time
}
