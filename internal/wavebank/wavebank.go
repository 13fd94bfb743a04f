// Package wavebank stores waveforms as WAV files in a directory tree and keeps
// an index of them so time windows can be fetched by seed id pattern.
package wavebank

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/v3/disk"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/waveform"
)

const (
	// IndexFileName is the SQLite index kept at the bank root
	IndexFileName = ".index.db"

	indexCacheKey   = "index"
	defaultCacheTTL = 10 * time.Minute
	dirPermissions  = 0o755
	slowQuery       = 200 * time.Millisecond
)

// Options configures a bank.
type Options struct {
	BasePath      string
	PathStructure string        // default "{year}"
	NameStructure string        // default "{seedid}.{time}"
	MaxDiskUsage  float64       // refuse writes above this volume usage percent, 0 disables
	CacheTTL      time.Duration // index cache lifetime, default 10 minutes
	Logger        logger.Logger
}

func (o *Options) applyDefaults() {
	if o.PathStructure == "" {
		o.PathStructure = "{year}"
	}
	if o.NameStructure == "" {
		o.NameStructure = "{seedid}.{time}"
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = defaultCacheTTL
	}
	if o.Logger == nil {
		o.Logger = logger.Global().Module("wavebank")
	}
}

// OptionsFromSettings converts the configured bank layout.
func OptionsFromSettings(s conf.WaveBankSettings) Options {
	return Options{
		BasePath:      s.BasePath,
		PathStructure: s.PathStructure,
		NameStructure: s.NameStructure,
		MaxDiskUsage:  s.MaxDiskUsage,
	}
}

// IndexEntry describes one stored WAV file.
type IndexEntry struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	Path         string    `gorm:"uniqueIndex;size:512" json:"path"` // slash path relative to the bank root
	Network      string    `gorm:"index:idx_index_nslc;size:8" json:"network"`
	Station      string    `gorm:"index:idx_index_nslc;size:8" json:"station"`
	Location     string    `gorm:"index:idx_index_nslc;size:8" json:"location"`
	Channel      string    `gorm:"index:idx_index_nslc;size:8" json:"channel"`
	StartTime    time.Time `gorm:"index" json:"starttime"`
	EndTime      time.Time `gorm:"index" json:"endtime"`
	SamplingRate float64   `json:"sampling_rate"`
	NPts         int       `gorm:"column:npts" json:"npts"`
	CreatedAt    time.Time `json:"-"`
}

// TableName pins the index table name.
func (IndexEntry) TableName() string {
	return "waveform_index"
}

// Stats returns the waveform stats recorded for the entry.
func (e *IndexEntry) Stats() waveform.Stats {
	return waveform.Stats{
		Network:      e.Network,
		Station:      e.Station,
		Location:     e.Location,
		Channel:      e.Channel,
		StartTime:    e.StartTime,
		SamplingRate: e.SamplingRate,
	}
}

// SeedID returns the NET.STA.LOC.CHA identifier of the entry.
func (e *IndexEntry) SeedID() string {
	s := e.Stats()
	return s.SeedID()
}

// usageFunc reports the used percentage of the volume holding path.
type usageFunc func(ctx context.Context, path string) (float64, error)

func gopsutilUsage(ctx context.Context, path string) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}

// Bank is a directory of WAV waveform files plus its index.
type Bank struct {
	opts       Options
	pathStruct structure
	nameStruct structure
	db         *gorm.DB
	cache      *cache.Cache
	log        logger.Logger
	diskUsage  usageFunc
}

// Initialize creates the bank directory if needed, opens the bank and puts
// every given WAV file. File names must follow FileName.
func Initialize(ctx context.Context, opts Options, files ...string) (*Bank, error) {
	if opts.BasePath == "" {
		return nil, errors.New(errors.NewStd("wavebank base path is required")).
			Component("wavebank").
			Category(errors.CategoryValidation).
			Build()
	}
	if err := os.MkdirAll(opts.BasePath, dirPermissions); err != nil {
		return nil, errors.New(err).
			Component("wavebank").
			Category(errors.CategoryFileIO).
			Context("operation", "create_base_path").
			Build()
	}

	bank, err := open(opts)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		if err := bank.PutFile(ctx, file); err != nil {
			_ = bank.Close()
			return nil, err
		}
	}
	return bank, nil
}

// Connect opens an existing bank. A missing base path is a not-found error.
func Connect(opts Options) (*Bank, error) {
	info, err := os.Stat(opts.BasePath)
	if err != nil || !info.IsDir() {
		return nil, errors.Newf("wavebank %q not found", opts.BasePath).
			Component("wavebank").
			Category(errors.CategoryNotFound).
			Build()
	}
	return open(opts)
}

func open(opts Options) (*Bank, error) {
	opts.applyDefaults()

	pathStruct, err := compileStructure(opts.PathStructure)
	if err != nil {
		return nil, err
	}
	nameStruct, err := compileStructure(opts.NameStructure)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(opts.BasePath, IndexFileName)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(opts.Logger.Module("index"), slowQuery),
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to open wavebank index: %w", err)).
			Component("wavebank").
			Category(errors.CategoryDatabase).
			Build()
	}
	if err := db.AutoMigrate(&IndexEntry{}); err != nil {
		return nil, errors.New(fmt.Errorf("failed to migrate wavebank index: %w", err)).
			Component("wavebank").
			Category(errors.CategoryDatabase).
			Build()
	}

	return &Bank{
		opts:       opts,
		pathStruct: pathStruct,
		nameStruct: nameStruct,
		db:         db,
		cache:      cache.New(opts.CacheTTL, 0),
		log:        opts.Logger,
		diskUsage:  gopsutilUsage,
	}, nil
}

// BasePath returns the bank root directory.
func (b *Bank) BasePath() string {
	return b.opts.BasePath
}

// Close releases the index database.
func (b *Bank) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (b *Bank) checkDiskUsage(ctx context.Context) error {
	if b.opts.MaxDiskUsage <= 0 {
		return nil
	}
	used, err := b.diskUsage(ctx, b.opts.BasePath)
	if err != nil {
		return errors.New(fmt.Errorf("failed to read disk usage: %w", err)).
			Component("wavebank").
			Category(errors.CategoryDiskUsage).
			Build()
	}
	if used > b.opts.MaxDiskUsage {
		getMetrics().RecordDiskRejection()
		return errors.Newf("disk usage %.1f%% exceeds limit %.1f%%", used, b.opts.MaxDiskUsage).
			Component("wavebank").
			Category(errors.CategoryDiskUsage).
			Context("used_percent", used).
			Build()
	}
	return nil
}

// Put writes every trace as WAV counts and records it in the index.
// A trace whose rendered path already exists replaces the stored file.
// Codes holding path separators or dots are rejected before anything is written.
func (b *Bank) Put(ctx context.Context, st waveform.Stream) error {
	if err := b.checkDiskUsage(ctx); err != nil {
		return err
	}

	for _, tr := range st {
		if err := validateCodes(tr.Stats); err != nil {
			return err
		}
	}

	entries := make([]IndexEntry, 0, len(st))
	for _, tr := range st {
		if err := ctx.Err(); err != nil {
			return err
		}
		if tr.NPts() == 0 {
			b.log.Debug("skipping empty trace", logger.String("seed_id", tr.SeedID()))
			continue
		}

		rel := relativePath(b.pathStruct, b.nameStruct, tr.Stats)
		if err := b.writeTrace(rel, tr); err != nil {
			return err
		}
		getMetrics().RecordWrite(tr.NPts())
		entries = append(entries, IndexEntry{
			Path:         rel,
			Network:      tr.Network,
			Station:      tr.Station,
			Location:     tr.Location,
			Channel:      tr.Channel,
			StartTime:    tr.StartTime.UTC(),
			EndTime:      tr.EndTime().UTC(),
			SamplingRate: tr.SamplingRate,
			NPts:         tr.NPts(),
		})
	}
	if len(entries) == 0 {
		return nil
	}

	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"network", "station", "location", "channel", "start_time", "end_time", "sampling_rate", "npts"}),
	}).Create(&entries).Error
	b.cache.Delete(indexCacheKey)
	if err != nil {
		return errors.New(fmt.Errorf("failed to update wavebank index: %w", err)).
			Component("wavebank").
			Category(errors.CategoryDatabase).
			Build()
	}

	b.log.Info("waveforms stored", logger.Int("traces", len(entries)))
	return nil
}

func (b *Bank) writeTrace(rel string, tr *waveform.Trace) error {
	full := filepath.Join(b.opts.BasePath, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), dirPermissions); err != nil {
		return errors.New(err).Component("wavebank").Category(errors.CategoryFileIO).Build()
	}

	f, err := os.Create(full) //nolint:gosec // path built from validated structure fields
	if err != nil {
		return errors.New(err).Component("wavebank").Category(errors.CategoryFileIO).Build()
	}
	if err := waveform.EncodeWAV(f, tr, 1); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.New(err).Component("wavebank").Category(errors.CategoryFileIO).Build()
	}
	return nil
}

// PutFile reads a WAV file named per FileName and puts it.
func (b *Bank) PutFile(ctx context.Context, file string) error {
	stats, err := ParseFileName(file)
	if err != nil {
		return err
	}
	f, err := os.Open(file) //nolint:gosec // caller supplied input file
	if err != nil {
		return errors.New(err).
			Component("wavebank").
			Category(errors.CategoryFileIO).
			FileContext(file, 0).
			Build()
	}
	defer f.Close()

	tr, err := waveform.ReadWAVTrace(f, stats, 1)
	if err != nil {
		return err
	}
	return b.Put(ctx, waveform.Stream{tr})
}

// ReadIndex returns every index entry ordered by seed id and start time.
// The result is cached until the next Put.
func (b *Bank) ReadIndex(ctx context.Context) ([]IndexEntry, error) {
	if cached, ok := b.cache.Get(indexCacheKey); ok {
		if entries, ok := cached.([]IndexEntry); ok {
			return entries, nil
		}
	}

	var entries []IndexEntry
	err := b.db.WithContext(ctx).
		Order("network, station, location, channel, start_time").
		Find(&entries).Error
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to read wavebank index: %w", err)).
			Component("wavebank").
			Category(errors.CategoryDatabase).
			Build()
	}

	b.cache.Set(indexCacheKey, entries, cache.DefaultExpiration)
	return entries, nil
}

// IsEmpty reports whether the bank holds no waveforms.
func (b *Bank) IsEmpty(ctx context.Context) (bool, error) {
	entries, err := b.ReadIndex(ctx)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// GetWaveforms returns the data overlapping [start, end] for channels
// matching the fnmatch patterns, trimmed to the window. Segments of one
// channel are merged with gaps zero-filled. No matching data gives an empty
// stream and no error.
func (b *Bank) GetWaveforms(ctx context.Context, network, station, location, channel string, start, end time.Time) (waveform.Stream, error) {
	st, err := b.getWaveforms(ctx, network, station, location, channel, start, end)
	getMetrics().RecordQuery(err)
	return st, err
}

func (b *Bank) getWaveforms(ctx context.Context, network, station, location, channel string, start, end time.Time) (waveform.Stream, error) {
	entries, err := b.ReadIndex(ctx)
	if err != nil {
		return nil, err
	}

	sel := waveform.Selector{Network: network, Station: station, Location: location, Channel: channel}
	var st waveform.Stream
	for i := range entries {
		e := &entries[i]
		if e.StartTime.After(end) || e.EndTime.Before(start) || !sel.Match(e.Stats()) {
			continue
		}
		tr, err := b.readEntry(e)
		if err != nil {
			return nil, err
		}
		if sliced := tr.Slice(start, end); sliced.NPts() > 0 {
			st = append(st, sliced)
		}
	}
	if len(st) == 0 {
		return waveform.Stream{}, nil
	}

	merged, err := st.Merge(0)
	if err != nil {
		return nil, err
	}
	merged.Sort()
	return merged, nil
}

func (b *Bank) readEntry(e *IndexEntry) (*waveform.Trace, error) {
	full := filepath.Join(b.opts.BasePath, filepath.FromSlash(e.Path))
	f, err := os.Open(full) //nolint:gosec // path comes from the bank index
	if err != nil {
		return nil, errors.New(err).
			Component("wavebank").
			Category(errors.CategoryFileIO).
			Context("path", e.Path).
			Build()
	}
	defer f.Close()
	return waveform.ReadWAVTrace(f, e.Stats(), 1)
}

// Availability returns the covered time span per seed id.
func (b *Bank) Availability(ctx context.Context) (map[string][2]time.Time, error) {
	entries, err := b.ReadIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][2]time.Time)
	for i := range entries {
		id := entries[i].SeedID()
		span, ok := out[id]
		if !ok {
			out[id] = [2]time.Time{entries[i].StartTime, entries[i].EndTime}
			continue
		}
		if entries[i].StartTime.Before(span[0]) {
			span[0] = entries[i].StartTime
		}
		if entries[i].EndTime.After(span[1]) {
			span[1] = entries[i].EndTime
		}
		out[id] = span
	}
	return out, nil
}

// SeedIDs returns the sorted seed ids present in the bank.
func (b *Bank) SeedIDs(ctx context.Context) ([]string, error) {
	avail, err := b.Availability(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(avail))
	for id := range avail {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
