package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents an automation participant identified by their Solana wallet.
// Users are created on first contact and never hard-deleted while positions
// reference them.
type User struct {
	gorm.Model
	WalletAddress string `gorm:"size:44;uniqueIndex;not null"`
	ChatID        int64  `gorm:"index"` // messaging transport reference
	AutoRebalance bool   `gorm:"default:false;index"`
	LastScanAt    time.Time

	// Relationships
	Positions []Position `gorm:"foreignKey:UserID"`
	Stats     UserStats  `gorm:"foreignKey:UserID"`
}
