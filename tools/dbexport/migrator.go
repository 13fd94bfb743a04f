package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/seisreview/eqcutil/internal/datastore"
)

// Migrator copies eqcutil tables from a source to a target database.
type Migrator struct {
	cfg      Config
	out      io.Writer
	sourceDB *gorm.DB
	targetDB *gorm.DB
}

// MigrationStats tracks migration statistics.
type MigrationStats struct {
	StartTime time.Time
	EndTime   time.Time
	Tables    []TableStats
}

// TableStats tracks per-table migration statistics.
type TableStats struct {
	Name      string
	Migrated  int64
	Skipped   int64
	Errors    int64
	Duration  time.Duration
	BatchSize int
}

// Print writes the migration summary.
func (s *MigrationStats) Print(w io.Writer) {
	rule := strings.Repeat("-", 70)
	fmt.Fprintln(w, "\n=== Migration Summary ===")
	fmt.Fprintf(w, "Duration: %s\n\n", s.EndTime.Sub(s.StartTime).Round(time.Millisecond))

	fmt.Fprintf(w, "%-20s %10s %10s %10s %12s\n", "Table", "Migrated", "Skipped", "Errors", "Duration")
	fmt.Fprintln(w, rule)

	var totalMigrated, totalSkipped, totalErrors int64
	for _, t := range s.Tables {
		fmt.Fprintf(w, "%-20s %10d %10d %10d %12s\n",
			t.Name, t.Migrated, t.Skipped, t.Errors, t.Duration.Round(time.Millisecond))
		totalMigrated += t.Migrated
		totalSkipped += t.Skipped
		totalErrors += t.Errors
	}

	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "%-20s %10d %10d %10d\n", "TOTAL", totalMigrated, totalSkipped, totalErrors)
}

// table describes one copied table. Entries are in dependency order.
type table struct {
	name      string
	model     any
	batchSize int
	migrate   func(ctx context.Context, m *Migrator, tableName string, batchSize int) (*TableStats, error)
}

var tables = []table{
	{"events", &datastore.EventRecord{}, 500, migrateTable[datastore.EventRecord]},
	{"detections", &datastore.DetectionRecord{}, 2000, migrateTable[datastore.DetectionRecord]},
	{"detection_reviews", &datastore.DetectionReview{}, 2000, migrateTable[datastore.DetectionReview]},
	{"detection_comments", &datastore.DetectionComment{}, 2000, migrateTable[datastore.DetectionComment]},
	{"detection_locks", &datastore.DetectionLock{}, 5000, migrateTable[datastore.DetectionLock]},
}

func gormConfig(verbose bool) *gorm.Config {
	logLevel := logger.Silent
	if verbose {
		logLevel = logger.Info
	}
	return &gorm.Config{Logger: logger.Default.LogMode(logLevel)}
}

// NewMigrator opens the SQLite source and the MySQL target.
func NewMigrator(cfg *Config, out io.Writer) (*Migrator, error) {
	sourceDB, err := gorm.Open(sqlite.Open(cfg.SQLitePath), gormConfig(cfg.Verbose))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	targetDB, err := gorm.Open(mysql.Open(cfg.GetMySQLDSN()), gormConfig(cfg.Verbose))
	if err != nil {
		closeDB(sourceDB)
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	m := newMigrator(cfg, out, sourceDB, targetDB)
	if err := m.ping(); err != nil {
		m.Close()
		return nil, err
	}
	fmt.Fprintln(out, "Database connections established successfully")
	return m, nil
}

func newMigrator(cfg *Config, out io.Writer, sourceDB, targetDB *gorm.DB) *Migrator {
	return &Migrator{cfg: *cfg, out: out, sourceDB: sourceDB, targetDB: targetDB}
}

func (m *Migrator) ping() error {
	for name, db := range map[string]*gorm.DB{"source": m.sourceDB, "target": m.targetDB} {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("failed to get %s connection: %w", name, err)
		}
		if err := sqlDB.Ping(); err != nil {
			return fmt.Errorf("failed to ping %s database: %w", name, err)
		}
	}
	return nil
}

func closeDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Close closes both database connections.
func (m *Migrator) Close() {
	closeDB(m.sourceDB)
	closeDB(m.targetDB)
}

// setForeignKeyChecks toggles constraint checking on MySQL targets and is a
// no-op elsewhere.
func (m *Migrator) setForeignKeyChecks(on bool) error {
	if m.targetDB.Dialector.Name() != "mysql" {
		return nil
	}
	value := 0
	if on {
		value = 1
	}
	return m.targetDB.Exec(fmt.Sprintf("SET FOREIGN_KEY_CHECKS=%d", value)).Error
}

// Run executes the full migration.
func (m *Migrator) Run(ctx context.Context) (*MigrationStats, error) {
	stats := &MigrationStats{StartTime: time.Now()}

	if m.cfg.DropTables {
		if err := m.dropTables(); err != nil {
			return nil, fmt.Errorf("failed to drop tables: %w", err)
		}
	}
	if m.cfg.AutoMigrate {
		if err := m.autoMigrateTables(); err != nil {
			return nil, fmt.Errorf("failed to auto-migrate tables: %w", err)
		}
	}

	if err := m.setForeignKeyChecks(false); err != nil {
		return nil, fmt.Errorf("failed to disable foreign key checks: %w", err)
	}
	defer func() { _ = m.setForeignKeyChecks(true) }()

	if m.cfg.Clean {
		m.cleanTables()
	}

	for _, t := range tables {
		batchSize := t.batchSize
		if m.cfg.BatchSize > 0 && m.cfg.BatchSize < batchSize {
			batchSize = m.cfg.BatchSize
		}
		tableStats, err := t.migrate(ctx, m, t.name, batchSize)
		if err != nil {
			return stats, fmt.Errorf("failed to migrate %s: %w", t.name, err)
		}
		stats.Tables = append(stats.Tables, *tableStats)
	}

	stats.EndTime = time.Now()
	return stats, nil
}

func (m *Migrator) dropTables() error {
	fmt.Fprintln(m.out, "Dropping eqcutil tables from target database...")
	if err := m.setForeignKeyChecks(false); err != nil {
		return fmt.Errorf("failed to disable foreign key checks: %w", err)
	}

	for i := len(tables) - 1; i >= 0; i-- {
		if err := m.targetDB.Migrator().DropTable(tables[i].model); err != nil {
			fmt.Fprintf(m.out, "Warning: could not drop table %s: %v\n", tables[i].name, err)
		} else if m.cfg.Verbose {
			fmt.Fprintf(m.out, "  Dropped: %s\n", tables[i].name)
		}
	}

	if err := m.setForeignKeyChecks(true); err != nil {
		return fmt.Errorf("failed to re-enable foreign key checks: %w", err)
	}
	return nil
}

func (m *Migrator) autoMigrateTables() error {
	fmt.Fprintln(m.out, "Creating tables in target database...")
	for _, t := range tables {
		if err := m.targetDB.AutoMigrate(t.model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", t.model, err)
		}
	}
	return nil
}

// cleanTables empties the target tables children first.
func (m *Migrator) cleanTables() {
	fmt.Fprintln(m.out, "Cleaning target tables...")
	for i := len(tables) - 1; i >= 0; i-- {
		name := tables[i].name
		if err := m.targetDB.Exec("TRUNCATE TABLE " + name).Error; err != nil {
			// sqlite has no TRUNCATE
			if err := m.targetDB.Exec("DELETE FROM " + name).Error; err != nil {
				fmt.Fprintf(m.out, "Warning: could not clean table %s: %v\n", name, err)
				continue
			}
		}
		if m.cfg.Verbose {
			fmt.Fprintf(m.out, "  Cleaned: %s\n", name)
		}
	}
}

// migrateTable copies one table in batches. Rows already in the target are
// skipped, a failing batch is counted and the copy moves on.
func migrateTable[T any](ctx context.Context, m *Migrator, tableName string, batchSize int) (*TableStats, error) {
	start := time.Now()
	stats := &TableStats{Name: tableName, BatchSize: batchSize}

	var sourceCount int64
	if err := m.sourceDB.WithContext(ctx).Model(new(T)).Count(&sourceCount).Error; err != nil {
		return stats, fmt.Errorf("failed to count source records: %w", err)
	}
	if sourceCount == 0 {
		fmt.Fprintf(m.out, "  %s: no records to migrate\n", tableName)
		stats.Duration = time.Since(start)
		return stats, nil
	}

	var processed int64
	batchNum := 0
	err := m.sourceDB.WithContext(ctx).Model(new(T)).FindInBatches(new([]T), batchSize, func(tx *gorm.DB, batch int) error {
		batchNum++
		records := tx.Statement.Dest.(*[]T)

		result := m.targetDB.WithContext(ctx).
			Omit(clause.Associations).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(records)
		if result.Error != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.Errors += int64(len(*records))
			fmt.Fprintf(m.out, "  Batch %d error: %v\n", batchNum, result.Error)
			return nil //nolint:nilerr // a bad batch does not abort the copy
		}

		stats.Migrated += result.RowsAffected
		stats.Skipped += int64(len(*records)) - result.RowsAffected
		processed += int64(len(*records))

		if m.cfg.Verbose || batchNum%10 == 0 {
			fmt.Fprintf(m.out, "  %s: %d/%d (%.1f%%)\n", tableName, processed, sourceCount,
				float64(processed)/float64(sourceCount)*100)
		}
		return nil
	}).Error
	if err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	fmt.Fprintf(m.out, "  %s: completed (%d migrated, %d skipped, %d errors) in %s\n",
		tableName, stats.Migrated, stats.Skipped, stats.Errors, stats.Duration.Round(time.Millisecond))
	return stats, nil
}
