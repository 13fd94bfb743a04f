package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/datastore"
)

// Config holds the configuration for the export tool.
type Config struct {
	// Source database
	SQLitePath string

	// Target database, either a DSN or individual components
	MySQLDSN      string
	MySQLHost     string
	MySQLPort     int
	MySQLUser     string
	MySQLPass     string
	MySQLDatabase string

	BatchSize   int
	DropTables  bool
	Clean       bool
	AutoMigrate bool
	SkipVerify  bool
	Verbose     bool

	// eqcutil config file used when flags leave connections unset
	ConfigPath string
}

const maxBatchSize = 10000

// Load fills missing connection details from the eqcutil config file and
// validates the result.
func (c *Config) Load() error {
	if c.SQLitePath == "" || (c.MySQLDSN == "" && c.MySQLHost == "") {
		settings, err := conf.Load(c.ConfigPath)
		if err == nil {
			c.applySettings(settings)
		} else if c.SQLitePath == "" {
			return fmt.Errorf("--sqlite-path is required (or provide an eqcutil config): %w", err)
		}
	}

	if _, err := os.Stat(c.SQLitePath); os.IsNotExist(err) {
		return fmt.Errorf("SQLite database not found: %s", c.SQLitePath)
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch-size must be at least 1")
	}
	if c.BatchSize > maxBatchSize {
		return fmt.Errorf("batch-size too large (max %d)", maxBatchSize)
	}
	return nil
}

func (c *Config) applySettings(settings *conf.Settings) {
	if c.SQLitePath == "" {
		c.SQLitePath = settings.Database.SQLite.Path
	}
	if c.MySQLDSN != "" || c.MySQLHost != "" {
		return
	}
	m := settings.Database.MySQL
	if m.Host == "" {
		return
	}
	c.MySQLHost = m.Host
	c.MySQLPort = 3306
	if port, err := strconv.Atoi(m.Port); err == nil && port > 0 {
		c.MySQLPort = port
	}
	c.MySQLUser = m.Username
	c.MySQLPass = m.Password
	c.MySQLDatabase = m.Database
}

func (c *Config) mysqlSettings() conf.MySQLSettings {
	return conf.MySQLSettings{
		Username: c.MySQLUser,
		Password: c.MySQLPass,
		Database: c.MySQLDatabase,
		Host:     c.MySQLHost,
		Port:     strconv.Itoa(c.MySQLPort),
	}
}

// GetMySQLDSN returns MySQLDSN when set and otherwise builds one the same way
// the eqcutil datastore does.
func (c *Config) GetMySQLDSN() string {
	if c.MySQLDSN != "" {
		return c.MySQLDSN
	}
	m := c.mysqlSettings()
	return datastore.DSN(&m)
}

// GetSanitizedMySQLDSN returns the target with the password masked.
func (c *Config) GetSanitizedMySQLDSN() string {
	if c.MySQLDSN != "" {
		return "(dsn from --mysql-dsn)"
	}
	m := c.mysqlSettings()
	return m.RedactedDSN()
}
