package colorscale

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
)

// Fractions are the positions of the five stops, as rendered by the client.
var Fractions = [5]string{"0", "0.25", "0.5", "0.75", "1"}

// Stop is one colour stop. It marshals as a two-element JSON array,
// ["0.25","rgb(39,0,236)"].
type Stop struct {
	Fraction string
	Color    string
}

func (s Stop) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{s.Fraction, s.Color})
}

func (s *Stop) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("colour stop: %w", err)
	}
	s.Fraction, s.Color = pair[0], pair[1]
	return nil
}

// Scale is an ordered list of stops. The empty scale marshals as [].
type Scale []Stop

func (s Scale) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Stop(s))
}

// Breakpoints returns min, q1, q2, q3, max of values where q2 is the
// midrange and q1, q3 are the midpoints either side of it. These are not
// statistical quartiles. ok is false when values is empty.
func Breakpoints(values []float64) (bp [5]float64, ok bool) {
	if len(values) == 0 {
		return bp, false
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	q2 := (lo + hi) / 2
	return [5]float64{lo, (lo + q2) / 2, q2, (hi + q2) / 2, hi}, true
}

// Compute maps a flattened grid onto the table. An empty grid yields an
// empty scale.
func (t *Table) Compute(values []float64) Scale {
	bp, ok := Breakpoints(values)
	if !ok {
		return Scale{}
	}
	scale := make(Scale, len(bp))
	for i, v := range bp {
		scale[i] = Stop{
			Fraction: Fractions[i],
			Color:    "rgb(" + t.Lookup(int(math.Round(v))) + ")",
		}
	}
	return scale
}

// FromFile reads a JSON grid from path and computes its scale. A missing
// file yields an empty scale and no error.
func (t *Table) FromFile(path string) (Scale, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Scale{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read grid: %w", err)
	}

	values, err := Flatten(data)
	if err != nil {
		return nil, fmt.Errorf("grid %s: %w", path, err)
	}
	return t.Compute(values), nil
}

// Flatten decodes an arbitrarily nested JSON array of numbers into a flat
// slice. Nulls (NaN cells in the tool output) are skipped.
func Flatten(data []byte) ([]float64, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode grid: %w", err)
	}
	var out []float64
	if err := flatten(root, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(node any, out *[]float64) error {
	switch v := node.(type) {
	case nil:
		return nil
	case float64:
		*out = append(*out, v)
		return nil
	case []any:
		for _, child := range v {
			if err := flatten(child, out); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unexpected %T in grid", node)
	}
}
