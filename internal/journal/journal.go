// Package journal persists run events as append-only JSONL files, one file
// per run, for post-mortem inspection and the events API.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/olympusai/buildforge/pkg/models"
)

// DefaultTailLimit bounds Tail when the caller passes no limit.
const DefaultTailLimit = 100

// Journal appends run events under <home>/journal/<runID>.jsonl and assigns
// per-run sequence numbers. Safe for concurrent use within one process.
type Journal struct {
	Home string

	mu  sync.Mutex
	seq map[string]int64
}

// New builds a Journal rooted at home.
func New(home string) *Journal {
	return &Journal{Home: home, seq: make(map[string]int64)}
}

// Path returns the journal file for a run.
func (j *Journal) Path(runID string) string {
	return filepath.Join(j.Home, "journal", safeName(runID)+".jsonl")
}

// Append writes one event to the run's journal, assigning the next sequence
// number when the event carries none. The directory and file are created on
// first use.
func (j *Journal) Append(ctx context.Context, ev models.RunEvent) error {
	if ev.RunID == "" {
		return errors.New("journal append requires a run id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.Path(ev.RunID)
	next, ok := j.seq[ev.RunID]
	if !ok {
		n, err := countLines(path)
		if err != nil {
			return fmt.Errorf("seed journal seq: %w", err)
		}
		next = n
	}
	if ev.Seq == 0 {
		ev.Seq = next + 1
	}
	if ev.Seq > next {
		next = ev.Seq
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal journal event: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	j.seq[ev.RunID] = next
	return nil
}

// Read returns every event in the run's journal in append order. A missing
// journal is an empty run, not an error. A crash can truncate the final line;
// lines that do not parse are skipped.
func (j *Journal) Read(ctx context.Context, runID string) ([]models.RunEvent, error) {
	f, err := os.Open(j.Path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []models.RunEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev models.RunEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// Tail returns the last limit events of the run's journal. limit <= 0 takes
// DefaultTailLimit.
func (j *Journal) Tail(ctx context.Context, runID string, limit int) ([]models.RunEvent, error) {
	if limit <= 0 {
		limit = DefaultTailLimit
	}
	events, err := j.Read(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer func() { _ = f.Close() }()
	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}
