// interfaces.go defines the interface for the database operations
package datastore

import (
	"context"

	"gorm.io/gorm"

	"github.com/seisreview/eqcutil/internal/catalog"
	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

// Interface abstracts the underlying database implementation.
type Interface interface {
	Open() error
	Close() error

	// event bank
	SaveEvents(ctx context.Context, events []catalog.Event) error
	ReadEventIndex(ctx context.Context) ([]EventIndex, error)
	GetEvents(ctx context.Context, ids ...string) ([]catalog.Event, error)

	// detections
	SaveDetections(ctx context.Context, records []DetectionRecord) (int, error)
	GetDetection(ctx context.Context, id string) (*DetectionRecord, error)
	ListDetections(ctx context.Context, q Query) ([]DetectionRecord, error)
	DeleteDetection(ctx context.Context, id string) error

	// reviews
	SaveReview(ctx context.Context, detectionID, verdict, reviewer string) error
	SaveReviewWithComment(ctx context.Context, detectionID, verdict, reviewer, comment string) error
	GetReview(ctx context.Context, detectionID string) (*DetectionReview, error)
	AddComment(ctx context.Context, detectionID, author, entry string) error
	GetComments(ctx context.Context, detectionID string) ([]DetectionComment, error)
	SetLock(ctx context.Context, detectionID string, locked bool) error
	IsLocked(ctx context.Context, detectionID string) (bool, error)
	CountByVerdict(ctx context.Context) (map[string]int64, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB     *gorm.DB
	Logger logger.Logger
}

// New returns the store selected by settings.Database.Type. The store is
// not opened.
func New(settings *conf.Settings) (Interface, error) {
	log := GetLogger()
	switch settings.Database.Type {
	case "", "sqlite":
		return &SQLiteStore{DataStore: DataStore{Logger: log}, Settings: settings}, nil
	case "mysql":
		return &MySQLStore{DataStore: DataStore{Logger: log}, Settings: settings}, nil
	default:
		return nil, errors.Newf("unsupported database type %q", settings.Database.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// Open connects to the database selected by settings and migrates it.
func Open(settings *conf.Settings) (Interface, error) {
	store, err := New(settings)
	if err != nil {
		return nil, err
	}
	if err := store.Open(); err != nil {
		return nil, err
	}
	return store, nil
}

func (ds *DataStore) db(ctx context.Context, operation string) (*gorm.DB, error) {
	if ds.DB == nil {
		return nil, notInitializedError(operation)
	}
	return ds.DB.WithContext(ctx), nil
}

// closeDB closes the generic database object behind the gorm handle.
func (ds *DataStore) closeDB() error {
	if ds.DB == nil {
		return notInitializedError("close")
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return dbError(err, "close")
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close")
	}
	return nil
}
