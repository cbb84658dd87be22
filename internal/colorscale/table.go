// Package colorscale maps a thickness grid onto five colour stops.
//
// The colour table is a JSON array whose index is an integer grid value and
// whose element is an "R,G,B" string. It is loaded once and shared
// read-only.
package colorscale

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Table is an immutable colour lookup table.
type Table struct {
	entries []string
}

// LoadTable reads and parses the colour table at path.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open colour table: %w", err)
	}
	defer f.Close()

	t, err := ParseTable(f)
	if err != nil {
		return nil, fmt.Errorf("colour table %s: %w", path, err)
	}
	return t, nil
}

// ParseTable decodes a colour table from r and checks every entry.
func ParseTable(r io.Reader) (*Table, error) {
	var raw []string
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode colour table: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("colour table is empty")
	}

	entries := make([]string, len(raw))
	for i, e := range raw {
		norm, err := normalizeRGB(e)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries[i] = norm
	}
	return &Table{entries: entries}, nil
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Lookup returns the "R,G,B" entry for value, clamped to the table bounds.
func (t *Table) Lookup(value int) string {
	switch {
	case value < 0:
		value = 0
	case value >= len(t.entries):
		value = len(t.entries) - 1
	}
	return t.entries[value]
}

func normalizeRGB(s string) (string, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return "", fmt.Errorf("%q is not an R,G,B triple", s)
	}
	for i, p := range parts {
		p = strings.TrimSpace(p)
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return "", fmt.Errorf("%q: component %d out of range", s, i)
		}
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ","), nil
}
