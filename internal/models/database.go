package models

import (
	"fmt"

	"github.com/bytefold/llmgateway/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDB(cfg *config.DatabaseConfig) error {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	DB = db
	return nil
}

func AutoMigrate() error {
	return DB.AutoMigrate(
		&User{},
		&SystemConfig{},
		&LLMRequest{},
		&LLMResponse{},
		&Conversation{},
		&ConversationMessage{},
		&UsageStat{},
		&ProviderStatus{},
	)
}

func GetDB() *gorm.DB {
	return DB
}

// SeedDefaultData creates the default system configs and one ProviderStatus
// row per configured provider if they do not exist yet.
func SeedDefaultData(llmCfg *config.LLMConfig) error {
	defaultConfigs := []SystemConfig{
		{Key: "cache_ttl_seconds", Value: "3600", Type: "int", Group: "cache", Label: "Response Cache TTL (seconds)"},
		{Key: "max_fallback_attempts", Value: "3", Type: "int", Group: "llm", Label: "Fallback Retry Ceiling"},
		{Key: "usage_retention_days", Value: "90", Type: "int", Group: "system", Label: "Request Log Retention Days"},
	}

	for _, cfg := range defaultConfigs {
		var count int64
		DB.Model(&SystemConfig{}).Where("`key` = ?", cfg.Key).Count(&count)
		if count == 0 {
			if err := DB.Create(&cfg).Error; err != nil {
				return err
			}
		}
	}

	for name, pc := range llmCfg.Providers {
		var count int64
		DB.Model(&ProviderStatus{}).Where("provider = ?", name).Count(&count)
		if count == 0 {
			status := ProviderStatus{
				Provider:    name,
				Enabled:     pc.Enabled,
				State:       ProviderUnknown,
				DailyBudget: pc.DailyBudgetUSD,
			}
			if err := DB.Create(&status).Error; err != nil {
				return err
			}
		}
	}

	return nil
}
