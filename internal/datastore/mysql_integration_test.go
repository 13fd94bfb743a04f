//go:build integration

package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/seisreview/eqcutil/internal/catalog"
	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/logger"
)

func setupMySQLStore(t *testing.T) *MySQLStore {
	t.Helper()
	ctx := context.Background()

	container, err := mysql.Run(ctx,
		"mysql:8.0",
		mysql.WithDatabase("eqcutil_test"),
		mysql.WithUsername("test"),
		mysql.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("port: 3306  MySQL Community Server").
				WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	settings := defaultSettings(t)
	settings.Database.Type = "mysql"
	settings.Database.MySQL = conf.MySQLSettings{
		Username: "test",
		Password: "test",
		Database: "eqcutil_test",
		Host:     host,
		Port:     port.Port(),
	}
	store := &MySQLStore{
		DataStore: DataStore{Logger: logger.NewSlogLogger(nil, logger.LogLevelError, nil)},
		Settings:  settings,
	}
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMySQLReviewRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupMySQLStore(t)

	n, err := store.SaveDetections(ctx, []DetectionRecord{
		testDetection("d1", "tmplA", 0, 3.2),
		testDetection("d2", "tmplB", time.Minute, 2.0),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.SaveReview(ctx, "d1", "confirmed", "ana"))
	require.NoError(t, store.SetLock(ctx, "d1", true))

	counts, err := store.CountByVerdict(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["confirmed"])
	assert.Equal(t, int64(1), counts["unreviewed"])

	mag := 1.4
	require.NoError(t, store.SaveEvents(ctx, []catalog.Event{testEvent("ev1", 0, &mag)}))
	index, err := store.ReadEventIndex(ctx)
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.True(t, index[0].OriginTime.Equal(t0))
}
