// Package sweeper runs the cron-driven janitor that reclaims scratch files
// left behind by crashed handlers and expires stale validation sessions.
// The cron.New/SkipIfStillRunning/AddFunc/Start/Stop shape is grounded on
// backend/scheduler/service.go's SchedulerService.
package sweeper

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dhis2pipeline/migrate/internal/validation"
)

// Config controls how aggressively the janitor reclaims scratch files.
type Config struct {
	ScratchBaseDir string
	MaxAge         time.Duration
	Schedule       string
}

// DefaultConfig matches a scratch file's expected lifetime: the sweep runs
// every 15 minutes and only reclaims files older than 24h, comfortably past
// the broker's maximum plausible redelivery window, so a file with a live
// upload job is never touched.
func DefaultConfig(scratchBaseDir string) Config {
	return Config{
		ScratchBaseDir: scratchBaseDir,
		MaxAge:         24 * time.Hour,
		Schedule:       "@every 15m",
	}
}

// Sweeper owns the cron runner driving scratch-file and validation-session
// cleanup.
type Sweeper struct {
	cfg        Config
	sessions   *validation.SessionStore
	cronRunner *cron.Cron
}

// New constructs a Sweeper. sessions may be nil if the process has no
// Validation Engine (e.g. the worker binary).
func New(cfg Config, sessions *validation.SessionStore) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		sessions: sessions,
		cronRunner: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
	}
}

// Start schedules the sweep and begins running it in the background.
func (s *Sweeper) Start() error {
	if _, err := s.cronRunner.AddFunc(s.cfg.Schedule, s.sweep); err != nil {
		return err
	}
	s.cronRunner.Start()
	log.Printf("sweeper: started with schedule %q, maxAge %s", s.cfg.Schedule, s.cfg.MaxAge)
	return nil
}

// Stop waits up to 15s for an in-flight sweep to finish, then returns.
func (s *Sweeper) Stop() {
	ctx := s.cronRunner.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(15 * time.Second):
		log.Printf("sweeper: shutdown timed out waiting for in-flight sweep")
	}
}

func (s *Sweeper) sweep() {
	reclaimed := s.sweepScratchFiles()
	var expired int
	if s.sessions != nil {
		expired = s.sessions.Sweep()
	}
	log.Printf("sweeper: reclaimed %d scratch files, expired %d validation sessions", reclaimed, expired)
}

// sweepScratchFiles deletes any file under ScratchBaseDir older than
// MaxAge. A scratch file only ever has one live reference (its upload job),
// so one surviving past MaxAge means its consumer died before finishing.
func (s *Sweeper) sweepScratchFiles() int {
	if s.cfg.ScratchBaseDir == "" {
		return 0
	}
	cutoff := time.Now().Add(-s.cfg.MaxAge)
	reclaimed := 0

	_ = filepath.Walk(s.cfg.ScratchBaseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if removeErr := os.Remove(path); removeErr == nil {
				reclaimed++
			} else {
				log.Printf("sweeper: failed to remove stale scratch file %s: %v", path, removeErr)
			}
		}
		return nil
	})
	return reclaimed
}
