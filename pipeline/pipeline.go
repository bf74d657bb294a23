// Package pipeline orchestrates a scrape cycle end to end: fetch the
// catalog pages, cache product images, merge with the stored history,
// persist JSON and CSV, then refresh the report.
//
// A cycle is all-or-nothing: any fetch or parse failure aborts before
// the history files are touched, so a broken page never corrupts
// stored data.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/tarif/catalog"
	"github.com/hazyhaar/tarif/fetch"
	"github.com/hazyhaar/tarif/history"
	"github.com/hazyhaar/tarif/imagecache"
	"github.com/hazyhaar/tarif/report"
	"github.com/hazyhaar/tarif/runlog"
)

// Mirror receives the merged history after each cycle. Mirror failures
// are logged but never fail the cycle; the JSON history stays the
// source of truth.
type Mirror interface {
	Write(ctx context.Context, snaps []history.Snapshot) (int, error)
}

// Summary describes one completed cycle.
type Summary struct {
	RunID      int64 `json:"run_id,omitempty"`
	Fetched    int   `json:"fetched"`
	Added      int   `json:"added"`
	Total      int   `json:"total"`
	Mirrored   int   `json:"mirrored,omitempty"`
	DurationMs int64 `json:"duration_ms"`
}

// Service runs the scrape pipeline.
type Service struct {
	config Config
	logger *slog.Logger
	source catalog.Source
	images *imagecache.Cache
	runs   *runlog.Store
	mirror Mirror
	now    func() time.Time

	// mu serializes cycles; runID is only read while one is active.
	mu    sync.Mutex
	runID int64
}

// Option customizes the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithSource replaces the default catalog source.
func WithSource(src catalog.Source) Option {
	return func(s *Service) { s.source = src }
}

// WithRunLog enables run history recording.
func WithRunLog(r *runlog.Store) Option {
	return func(s *Service) { s.runs = r }
}

// WithMirror enables the Postgres history mirror.
func WithMirror(m Mirror) Option {
	return func(s *Service) { s.mirror = m }
}

// WithNow replaces the cycle clock.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service from a loaded configuration.
func New(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		config: cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.source == nil {
		catCfg := cfg.catalogConfig()
		catCfg.Fetch.Observer = s.observeFetch
		cat, err := catalog.New(catCfg,
			catalog.WithLogger(s.logger),
			catalog.WithNow(s.now))
		if err != nil {
			return nil, err
		}
		s.source = cat
	}
	imgCfg := fetch.ImageConfig()
	imgCfg.Observer = s.observeFetch
	s.images = imagecache.New(cfg.ImagesDir(), fetch.New(imgCfg))
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.config }

// Healthcheck reports liveness with the given time as one printable line.
func Healthcheck(now time.Time) string {
	return fmt.Sprintf("[ok] tarif is working | utc=%s", now.UTC().Format(time.RFC3339))
}

// Healthcheck reports liveness with the current UTC time.
func (s *Service) Healthcheck() string {
	return Healthcheck(s.now())
}

// Scrape fetches the catalog once and returns the snapshots without
// touching history, images or the report.
func (s *Service) Scrape(ctx context.Context) ([]history.Snapshot, error) {
	return s.source.Fetch(ctx)
}

// Run executes one full cycle. Cycles are serialized; a concurrent
// caller blocks until the previous one finishes.
func (s *Service) Run(ctx context.Context) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wall := time.Now()
	started := s.now().UTC()
	sum := &Summary{}

	if s.runs != nil {
		id, err := s.runs.StartRun(ctx, started)
		if err != nil {
			return nil, err
		}
		s.runID = id
		sum.RunID = id
	}

	runErr := s.cycle(ctx, sum)
	sum.DurationMs = time.Since(wall).Milliseconds()

	if s.runs != nil {
		// Background context: the outcome must be recorded even when
		// the cycle failed on a canceled ctx.
		if err := s.runs.FinishRun(context.Background(), s.runID, sum.Fetched, sum.Total, runErr); err != nil {
			s.logger.Warn("finish run failed", "error", err)
		}
		s.runID = 0
	}

	if runErr != nil {
		s.logger.Error("cycle failed", "error", runErr, "duration_ms", sum.DurationMs)
		return nil, runErr
	}
	s.logger.Info("cycle done",
		"fetched", sum.Fetched, "added", sum.Added, "total", sum.Total,
		"mirrored", sum.Mirrored, "duration_ms", sum.DurationMs)
	return sum, nil
}

func (s *Service) cycle(ctx context.Context, sum *Summary) error {
	snaps, err := s.source.Fetch(ctx)
	if err != nil {
		return err
	}
	sum.Fetched = len(snaps)

	for i := range snaps {
		if snaps[i].ImageURL == "" {
			continue
		}
		path, err := s.images.Ensure(ctx, snaps[i].Model, snaps[i].ImageURL)
		if err != nil {
			return err
		}
		snaps[i].ImagePath = path
	}

	existing, err := history.LoadJSON(s.config.HistoryPath())
	if err != nil {
		return err
	}
	merged := history.Merge(existing, snaps)
	sum.Added = len(merged) - len(existing)
	sum.Total = len(merged)

	if err := history.SaveJSON(s.config.HistoryPath(), merged); err != nil {
		return err
	}
	if err := history.SaveCSV(s.config.CSVPath(), merged); err != nil {
		return err
	}

	if s.mirror != nil {
		n, err := s.mirror.Write(ctx, merged)
		if err != nil {
			s.logger.Warn("mirror write failed", "error", err)
		} else {
			sum.Mirrored = n
		}
	}

	return report.Render(merged, s.config.ReportDir)
}

// Watch runs cycles at the configured interval until ctx is canceled.
// The first cycle starts immediately. A failed cycle does not stop the
// loop; transient site trouble must not kill the daemon.
func (s *Service) Watch(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Run(ctx); err != nil && ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// History returns the stored snapshot history.
func (s *Service) History() ([]history.Snapshot, error) {
	return history.LoadJSON(s.config.HistoryPath())
}

// HistoryFiltered returns the stored history, optionally restricted to
// one model and truncated to the newest limit entries.
func (s *Service) HistoryFiltered(model string, limit int) ([]history.Snapshot, error) {
	snaps, err := s.History()
	if err != nil {
		return nil, err
	}
	if model != "" {
		var filtered []history.Snapshot
		for _, snap := range snaps {
			if snap.Model == model {
				filtered = append(filtered, snap)
			}
		}
		snaps = filtered
	}
	// History is sorted oldest first; the tail is the newest.
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[len(snaps)-limit:]
	}
	return snaps, nil
}

// Latest returns the newest stored snapshot per model.
func (s *Service) Latest() (map[string]history.Snapshot, error) {
	snaps, err := s.History()
	if err != nil {
		return nil, err
	}
	return history.Latest(snaps), nil
}

// RecentRuns lists run log entries, newest first. Without a run log it
// returns nothing.
func (s *Service) RecentRuns(ctx context.Context, limit int) ([]*runlog.Run, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.RecentRuns(ctx, limit)
}

// RunFetches lists the HTTP requests of one run.
func (s *Service) RunFetches(ctx context.Context, runID int64) ([]*runlog.FetchEntry, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.RunFetches(ctx, runID)
}

// observeFetch funnels every HTTP outcome into the run log.
func (s *Service) observeFetch(url string, statusCode int, d time.Duration, err error) {
	if s.runs == nil || s.runID == 0 {
		return
	}
	if rerr := s.runs.RecordFetch(context.Background(), s.runID, url, statusCode, d, err); rerr != nil {
		s.logger.Warn("fetch log write failed", "error", rerr)
	}
}
