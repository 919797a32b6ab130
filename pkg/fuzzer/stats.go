package fuzzer

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// RunStats accumulates per-trial round-trip times keyed by operation,
// in first-seen order. A nil *RunStats swallows records, so runs
// without a stats destination pay nothing.
type RunStats struct {
	runID     string
	started   time.Time
	order     []string
	durations map[string][]time.Duration
}

// NewRunStats starts an empty recording for one run.
func NewRunStats(runID string) *RunStats {
	return &RunStats{
		runID:     runID,
		started:   time.Now(),
		durations: map[string][]time.Duration{},
	}
}

// Record appends one trial duration for an operation.
func (s *RunStats) Record(operation string, d time.Duration) {
	if s == nil {
		return
	}
	if _, ok := s.durations[operation]; !ok {
		s.order = append(s.order, operation)
	}
	s.durations[operation] = append(s.durations[operation], d)
}

// Flush writes one CSV per operation plus a summary file into dir.
// Every file is staged under a temporary name and renamed into place,
// so a crash mid-flush never leaves a truncated file behind.
func (s *RunStats) Flush(dir string) error {
	if s == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0770); err != nil {
		return err
	}
	for _, operation := range s.order {
		if err := s.flushOperation(dir, operation); err != nil {
			return err
		}
	}
	return s.flushSummary(dir)
}

func (s *RunStats) flushOperation(dir string, operation string) error {
	return writeAtomic(dir, operation+".csv", func(f *os.File) error {
		w := csv.NewWriter(f)
		if err := w.Write([]string{"trial", "duration_ns"}); err != nil {
			return err
		}
		for i, d := range s.durations[operation] {
			if err := w.Write([]string{strconv.Itoa(i), strconv.FormatInt(d.Nanoseconds(), 10)}); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	})
}

type statsSummary struct {
	RunID      string         `json:"run_id"`
	Started    time.Time      `json:"started"`
	Operations int            `json:"operations"`
	Trials     map[string]int `json:"trials"`
}

func (s *RunStats) flushSummary(dir string) error {
	summary := statsSummary{
		RunID:      s.runID,
		Started:    s.started,
		Operations: len(s.order),
		Trials:     map[string]int{},
	}
	for operation, rows := range s.durations {
		summary.Trials[operation] = len(rows)
	}
	return writeAtomic(dir, "summary.json", func(f *os.File) error {
		encoded, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		_, err = f.Write(encoded)
		return err
	})
}

func writeAtomic(dir string, name string, write func(f *os.File) error) error {
	f, err := os.CreateTemp(dir, "stage-*")
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), filepath.Join(dir, name))
}
