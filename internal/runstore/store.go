package runstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/logs"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testrun"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testtree"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/cenkalti/backoff.v1"
)

const (
	RUNSTORE_LOG_SRC = "/runstore"

	DEFAULT_LOCK_TIMEOUT = 500 * time.Millisecond
	DEFAULT_MAX_WAIT     = 5 * time.Second

	DB_FILE_PERM = 0o600
	DB_DIR_PERM  = 0o700
)

var (
	bucketRuns   = []byte("runs")
	bucketLatest = []byte("latest")

	ErrEmptyPath = errors.New("run store path is required")
	ErrClosed    = errors.New("run store is closed")
)

type OpenArgs struct {
	Path string

	//how long a single attempt waits for the file lock, defaults to DEFAULT_LOCK_TIMEOUT.
	LockTimeout time.Duration

	//how long attempts are retried while another process holds the lock, defaults to DEFAULT_MAX_WAIT.
	MaxWait time.Duration

	Logger zerolog.Logger
}

// A Store persists run reports in a bbolt database. Reports are keyed by run id (a ULID), so iterating
// over the keys yields runs in chronological order. The latest result of every test is indexed too.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

var _ testrun.Recorder = (*Store)(nil)

// A LatestResult is the last recorded result of a test.
type LatestResult struct {
	RunID  string         `json:"runId"`
	At     time.Time      `json:"at"`
	Result testrun.Result `json:"result"`
}

// A RunSummary describes a recorded run without its results.
type RunSummary struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Errored    int       `json:"errored"`
	Missing    int       `json:"missing"`
	Warnings   int       `json:"warnings"`
}

// Open opens or creates the database. Another process (e.g. a second adapter) may hold the file lock:
// opening is then retried with an exponential backoff for at most MaxWait.
func Open(ctx context.Context, args OpenArgs) (*Store, error) {
	path := strings.TrimSpace(args.Path)
	if path == "" {
		return nil, ErrEmptyPath
	}
	if args.LockTimeout <= 0 {
		args.LockTimeout = DEFAULT_LOCK_TIMEOUT
	}
	if args.MaxWait <= 0 {
		args.MaxWait = DEFAULT_MAX_WAIT
	}
	logger := logs.Component(args.Logger, RUNSTORE_LOG_SRC).With().Str("path", path).Logger()

	if err := os.MkdirAll(filepath.Dir(path), DB_DIR_PERM); err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = args.MaxWait

	var db *bolt.DB
	err := backoff.RetryNotify(func() error {
		var err error
		db, err = bolt.Open(path, DB_FILE_PERM, &bolt.Options{Timeout: args.LockTimeout})
		if err != nil && !errors.Is(err, bolt.ErrTimeout) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		logger.Debug().Dur("retryIn", next).Msg("run store is locked by another process")
	})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRuns, bucketLatest} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// RecordRun saves the report and updates the latest result of every reported test.
func (s *Store) RecordRun(ctx context.Context, report testrun.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if report.RunID == "" {
		return errors.New("run report has no id")
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Put([]byte(report.RunID), raw); err != nil {
			return err
		}

		latest := tx.Bucket(bucketLatest)
		for _, result := range report.Results {
			value, err := json.Marshal(LatestResult{RunID: report.RunID, At: report.FinishedAt, Result: result})
			if err != nil {
				return err
			}
			if err := latest.Put([]byte(result.ID), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug().Str("runId", report.RunID).Int("resultCount", len(report.Results)).Msg("run recorded")
	return nil
}

// Get returns the report of a run.
func (s *Store) Get(runID string) (report testrun.Report, found bool, _ error) {
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRuns).Get([]byte(runID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &report)
	})
	return report, found, err
}

// List returns the summaries of the most recent runs, newest first. A non-positive limit returns all runs.
func (s *Store) List(limit int) ([]RunSummary, error) {
	summaries := make([]RunSummary, 0)

	err := s.view(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketRuns).Cursor()

		for key, value := cursor.Last(); key != nil; key, value = cursor.Prev() {
			if limit > 0 && len(summaries) >= limit {
				break
			}

			var report testrun.Report
			if err := json.Unmarshal(value, &report); err != nil {
				return err
			}
			summaries = append(summaries, summarize(report))
		}
		return nil
	})
	return summaries, err
}

// Latest returns the last recorded result of a test.
func (s *Store) Latest(testID string) (result LatestResult, found bool, _ error) {
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLatest).Get([]byte(testID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &result)
	})
	return result, found, err
}

// Prune deletes the oldest runs so that at most keep runs remain, it returns the number of deleted runs.
// Latest results are kept.
func (s *Store) Prune(keep int) (deleted int, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		excess := runs.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}

		var keys [][]byte
		cursor := runs.Cursor()
		for key, _ := cursor.First(); key != nil && len(keys) < excess; key, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), key...))
		}
		for _, key := range keys {
			if err := runs.Delete(key); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	return deleted, err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	return s.db.View(fn)
}

func summarize(report testrun.Report) RunSummary {
	return RunSummary{
		RunID:      report.RunID,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Passed:     report.Count(testtree.Passed),
		Failed:     report.Count(testtree.Failed),
		Skipped:    report.Count(testtree.Skipped),
		Errored:    report.Count(testtree.Errored),
		Missing:    len(report.Missing),
		Warnings:   len(report.Warnings),
	}
}
