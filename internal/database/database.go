package database

import (
	"fmt"
	"time"

	"github.com/wnt/rebalancer/internal/config"
	"github.com/wnt/rebalancer/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Connect(cfg config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
	)

	// Configure GORM with optimized settings
	gormCfg := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true, // Prepare statement for better performance
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Set connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Migrate database schema
	if err := migrateSchema(db); err != nil {
		return nil, err
	}

	return db, nil
}

// EnsureUsers creates a user row for every wallet that does not have one
// yet. New rows start with automation disabled; enabling it is an explicit
// user action.
func EnsureUsers(db *gorm.DB, wallets []string) error {
	for _, wallet := range wallets {
		user := models.User{WalletAddress: wallet}
		if err := db.Where("wallet_address = ?", wallet).FirstOrCreate(&user).Error; err != nil {
			return fmt.Errorf("failed to ensure user %s: %w", wallet, err)
		}
	}
	return nil
}

func migrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Position{},
		&models.UserStats{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Add composite indexes for the scanner's hot queries
	db.Exec("CREATE INDEX IF NOT EXISTS idx_positions_user_status ON positions(user_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_positions_pool_status ON positions(pool_address, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_users_auto_rebalance ON users(auto_rebalance) WHERE auto_rebalance = true")

	return nil
}
