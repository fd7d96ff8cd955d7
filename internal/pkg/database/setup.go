package database

import (
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SubLedger/app/models"
	"github.com/ManuelReschke/SubLedger/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Settings is the connection configuration read from DB_*.
type Settings struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// SettingsFromEnv reads DB_DRIVER (mysql or postgres) and the credentials.
func SettingsFromEnv() Settings {
	driver := strings.ToLower(strings.TrimSpace(env.GetEnv("DB_DRIVER", DriverMySQL)))
	defaultPort := "3306"
	if driver == DriverPostgres {
		defaultPort = "5432"
	}
	return Settings{
		Driver:   driver,
		Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
		Port:     env.GetEnv("DB_PORT", defaultPort),
		User:     env.GetEnv("DB_USER", ""),
		Password: env.GetEnv("DB_PASSWORD", ""),
		Name:     env.GetEnv("DB_NAME", ""),
	}
}

// DSN renders the driver specific data source name.
func (s Settings) DSN() string {
	if s.Driver == DriverPostgres {
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			s.Host, s.User, s.Password, s.Name, s.Port)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		s.User, s.Password, s.Host, s.Port, s.Name)
}

// Dialector picks the gorm driver for the configured database.
func (s Settings) Dialector() (gorm.Dialector, error) {
	switch s.Driver {
	case DriverMySQL:
		return mysql.New(mysql.Config{
			DSN:                       s.DSN(),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), nil
	case DriverPostgres:
		return postgres.Open(s.DSN()), nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", s.Driver)
	}
}

// Config is shared by every connection so duplicate-key errors surface as
// gorm.ErrDuplicatedKey regardless of the driver.
func Config() *gorm.Config {
	return &gorm.Config{TranslateError: true}
}

// Migrate creates or updates the billing tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Subscription{},
		&models.Payment{},
		&models.BillingWebhookEvent{},
	)
}

// SetupDatabase opens the connection with retries and migrates the schema.
// It panics when the database stays unreachable.
func SetupDatabase() {
	settings := SettingsFromEnv()
	dialector, err := settings.Dialector()
	if err != nil {
		panic(err)
	}

	db, err := connect(func() (*gorm.DB, error) {
		return gorm.Open(dialector, Config())
	}, maxRetries, retryDelay)
	if err != nil {
		panic(err)
	}
	if err := Migrate(db); err != nil {
		panic(fmt.Errorf("auto migrate: %w", err))
	}
	DB = db
	log.Printf("Connected to %s database %s on %s:%s", settings.Driver, settings.Name, settings.Host, settings.Port)
}

func connect(open func() (*gorm.DB, error), retries int, delay time.Duration) (*gorm.DB, error) {
	var err error
	for i := 0; i < retries; i++ {
		var db *gorm.DB
		db, err = open()
		if err == nil {
			return db, nil
		}

		log.Printf("Failed to connect to database (try %d/%d): %v", i+1, retries, err)
		if i < retries-1 {
			log.Printf("Retrying in %v...", delay)
			time.Sleep(delay)
		}
	}
	return nil, err
}
