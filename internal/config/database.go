package config

import (
	"fmt"
	"log"
	"time"

	"spsc-transferflow/internal/adapters/persistence/memory"
	"spsc-transferflow/internal/adapters/persistence/models"
	"spsc-transferflow/internal/adapters/persistence/repositories"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectDatabase establishes connection to MySQL database
func ConnectDatabase(cfg *Config) (*gorm.DB, error) {
	// Configure GORM logger based on mode
	gormLogger := logger.Default.LogMode(logger.Error)
	if cfg.IsDev() {
		gormLogger = logger.Default.LogMode(logger.Warn)
	}

	db, err := gorm.Open(mysql.Open(cfg.Database.DSN()), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
		TranslateError:         true, // duplicate key -> gorm.ErrDuplicatedKey
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Every code submission and progress tick holds a row lock briefly,
	// so keep enough connections for the scheduler plus request traffic.
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("✅ Database connected successfully [%s:%s/%s]",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.DBName,
	)
	return db, nil
}

// DSN returns the database connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User,
		d.Password,
		d.Host,
		d.Port,
		d.DBName,
	)
}

// OpenTransferStore opens the configured transfer state store. The returned
// close function releases the underlying connection.
func OpenTransferStore(cfg *Config) (repositories.TransferRepository, func() error, error) {
	if cfg.Store.Driver == "memory" {
		log.Println("⚠️ Using in-memory transfer store, state is lost on restart")
		return memory.NewTransferStore(), func() error { return nil }, nil
	}

	db, err := ConnectDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	log.Println("✅ Database migration completed")

	closeFn := func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return repositories.NewTransferRepository(db), closeFn, nil
}
