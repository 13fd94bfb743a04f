package datastore

import (
	"github.com/seisreview/eqcutil/internal/errors"
	"gorm.io/gorm"
)

// dbError creates a properly categorized database error with context
func dbError(err error, operation string, context ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundError(operation, context...)
	}
	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)

	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}
	return builder.Build()
}

func notFoundError(operation string, context ...any) error {
	builder := errors.Newf("record not found").
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("operation", operation)
	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}
	return builder.Build()
}

// stateError reports an operation refused because of a lock.
func stateError(operation, detectionID string) error {
	return errors.Newf("detection %s is locked", detectionID).
		Component("datastore").
		Category(errors.CategoryConflict).
		Context("operation", operation).
		Context("detection_id", detectionID).
		Build()
}

func notInitializedError(operation string) error {
	return errors.New(errors.NewStd("database connection is not initialized")).
		Component("datastore").
		Category(errors.CategoryState).
		Context("operation", operation).
		Build()
}
