package engine

import (
	"strings"
	"sync"
)

// defaultActivityCap bounds the human-readable activity line feed.
const defaultActivityCap = 12

// activityFeed is a small bounded, deduplicated log of recent activity lines.
// It has its own lock so feed updates never contend with the engine's hot
// path.
type activityFeed struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newActivityFeed(max int) *activityFeed {
	if max <= 0 {
		max = defaultActivityCap
	}
	return &activityFeed{max: max}
}

// add appends a line, dropping it when it repeats the most recent entry.
// Returns false when the line was deduplicated away.
func (f *activityFeed) add(line string) bool {
	if f == nil {
		return false
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if n := len(f.lines); n > 0 && f.lines[n-1] == line {
		return false
	}
	f.lines = append(f.lines, line)
	if len(f.lines) > f.max {
		f.lines = f.lines[len(f.lines)-f.max:]
	}
	return true
}

func (f *activityFeed) snapshot() []string {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out
}

func (f *activityFeed) reset() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.lines = nil
	f.mu.Unlock()
}
