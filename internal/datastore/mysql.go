package datastore

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

// MySQLStore implements Interface for MySQL
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
}

func validateMySQLConfig(settings *conf.Settings) error {
	m := settings.Database.MySQL
	if m.Host == "" || m.Database == "" || m.Username == "" {
		return errors.New(errors.NewStd("mysql host, database and username are required")).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Context("target", m.RedactedDSN()).
			Build()
	}
	return nil
}

// DSN formats a go-sql-driver connection string. Times are stored as UTC.
func DSN(m *conf.MySQLSettings) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		m.Username, m.Password, m.Host, m.Port, m.Database)
}

// Open sets up the MySQL database connection
func (store *MySQLStore) Open() error {
	if err := validateMySQLConfig(store.Settings); err != nil {
		return err
	}
	m := &store.Settings.Database.MySQL

	db, err := gorm.Open(mysql.Open(DSN(m)), &gorm.Config{Logger: createGormLogger(store.Logger)})
	if err != nil {
		store.Logger.Error("failed to open mysql database",
			logger.String("target", m.RedactedDSN()),
			logger.Error(err))
		return dbError(err, "open_mysql", "target", m.RedactedDSN())
	}

	store.DB = db
	return performAutoMigration(db, store.Logger, "MySQL", m.RedactedDSN())
}

// Close closes MySQL database connections
func (store *MySQLStore) Close() error {
	if err := store.closeDB(); err != nil {
		store.Logger.Error("failed to close mysql database", logger.Error(err))
		return err
	}
	return nil
}
