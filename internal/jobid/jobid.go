// Package jobid generates the timestamp-derived identifiers that name run
// directories. An id looks like 2018-01-19_01-14-17_700-700588804: calendar
// time to the second, then milliseconds, then the nanosecond remainder of
// the second. Ids sort lexicographically in creation order.
package jobid

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Len is the length of every generated id.
const Len = 33

const secondLayout = "2006-01-02_15-04-05"

// Generator hands out strictly increasing ids. The zero value is not usable;
// call New.
type Generator struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// New returns a Generator backed by the wall clock.
func New() *Generator {
	return &Generator{now: time.Now}
}

// NewWithClock returns a Generator that reads time from now.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Next returns a fresh id. Within one process ids never repeat, even when
// the clock stalls or steps backwards.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.now().UTC()
	if !t.After(g.last) {
		t = g.last.Add(time.Nanosecond)
	}
	g.last = t
	return Format(t)
}

// Format renders t as an id.
func Format(t time.Time) string {
	t = t.UTC()
	ns := t.Nanosecond()
	return fmt.Sprintf("%s_%03d-%09d", t.Format(secondLayout), ns/int(time.Millisecond), ns)
}

// Parse recovers the creation time encoded in id.
func Parse(id string) (time.Time, error) {
	if len(id) != Len {
		return time.Time{}, fmt.Errorf("job id %q: want %d characters, got %d", id, Len, len(id))
	}
	base, err := time.Parse(secondLayout, id[:19])
	if err != nil {
		return time.Time{}, fmt.Errorf("job id %q: %w", id, err)
	}
	if id[19] != '_' || id[23] != '-' {
		return time.Time{}, fmt.Errorf("job id %q: malformed fraction", id)
	}

	if !allDigits(id[20:23]) || !allDigits(id[24:]) {
		return time.Time{}, fmt.Errorf("job id %q: malformed fraction", id)
	}
	ms, _ := strconv.Atoi(id[20:23])
	ns, _ := strconv.Atoi(id[24:])
	if ns/int(time.Millisecond) != ms {
		return time.Time{}, fmt.Errorf("job id %q: inconsistent fraction", id)
	}
	return base.Add(time.Duration(ns)), nil
}

// Valid reports whether name has the shape of a job id.
func Valid(name string) bool {
	_, err := Parse(name)
	return err == nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
