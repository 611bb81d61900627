package accesslog

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ocicache/registry-cache/internal/apierr"
)

// PostgresConfig names the connection parameters for the access-log
// database, same shape as the teacher's database.PostgresConfig.
type PostgresConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	DBName   string
	SSLMode  string
}

const (
	maxConnectRetries = 5
	initialRetryDelay = 2 * time.Second
)

// openDB connects to Postgres with the teacher's retry-with-backoff
// loop and migrates the Entry table.
func openDB(logger *logrus.Logger, cfg PostgresConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	log := logger.WithFields(logrus.Fields{
		"component": "accesslog_db",
		"host":      cfg.Host,
		"database":  cfg.DBName,
	})

	var db *gorm.DB
	var err error
	delay := initialRetryDelay

	for attempt := 1; attempt <= maxConnectRetries; attempt++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err == nil {
			break
		}
		log.WithFields(logrus.Fields{"attempt": attempt, "error": err}).Warn("access log database connection failed")
		if attempt < maxConnectRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}
	if err != nil {
		return nil, apierr.New(apierr.ConfigError, "connect accesslog db", err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, apierr.New(apierr.ConfigError, "migrate accesslog db", err)
	}

	log.Info("access log database connection established")
	return db, nil
}
