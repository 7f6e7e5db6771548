package experts

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"

	json "github.com/goccy/go-json"
)

// Confidence is either a single scalar or a per-sub-dimension map, both on
// a 0-1 scale. The zero value means no confidence was declared.
type Confidence struct {
	Scalar *float64
	Dims   map[string]float64
}

// ScalarConfidence builds a scalar confidence.
func ScalarConfidence(v float64) Confidence {
	return Confidence{Scalar: &v}
}

// DimConfidence builds a per-dimension confidence.
func DimConfidence(dims map[string]float64) Confidence {
	return Confidence{Dims: dims}
}

// Declared reports whether any confidence value is present.
func (c Confidence) Declared() bool {
	return c.Scalar != nil || len(c.Dims) > 0
}

// Max returns the scalar, or the maximum over all dimensions.
func (c Confidence) Max() float64 {
	best := 0.0
	if c.Scalar != nil {
		best = *c.Scalar
	}
	for _, v := range c.Dims {
		if v > best {
			best = v
		}
	}
	return best
}

// Of returns the confidence for dim, falling back to the scalar.
func (c Confidence) Of(dim string) (float64, bool) {
	if v, ok := c.Dims[dim]; ok {
		return v, true
	}
	if c.Scalar != nil {
		return *c.Scalar, true
	}
	return 0, false
}

// Scale multiplies the confidence for dim by factor, clamped to [0,1]. When
// dim has no entry the scalar is scaled; an empty dim scales every value.
func (c *Confidence) Scale(dim string, factor float64) {
	if dim == "" {
		if c.Scalar != nil {
			v := clamp01(*c.Scalar * factor)
			c.Scalar = &v
		}
		for k, v := range c.Dims {
			c.Dims[k] = clamp01(v * factor)
		}
		return
	}
	if v, ok := c.Dims[dim]; ok {
		c.Dims[dim] = clamp01(v * factor)
		return
	}
	if c.Scalar != nil {
		v := clamp01(*c.Scalar * factor)
		c.Scalar = &v
	}
}

// Clone returns a deep copy.
func (c Confidence) Clone() Confidence {
	var out Confidence
	if c.Scalar != nil {
		v := *c.Scalar
		out.Scalar = &v
	}
	if c.Dims != nil {
		out.Dims = make(map[string]float64, len(c.Dims))
		for k, v := range c.Dims {
			out.Dims[k] = v
		}
	}
	return out
}

// Validate rejects values outside [0,1].
func (c Confidence) Validate() error {
	if c.Scalar != nil && !in01(*c.Scalar) {
		return fmt.Errorf("confidence %v out of range", *c.Scalar)
	}
	keys := make([]string, 0, len(c.Dims))
	for k := range c.Dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !in01(c.Dims[k]) {
			return fmt.Errorf("confidence %q=%v out of range", k, c.Dims[k])
		}
	}
	return nil
}

func (c Confidence) MarshalJSON() ([]byte, error) {
	switch {
	case len(c.Dims) > 0:
		return json.Marshal(c.Dims)
	case c.Scalar != nil:
		return json.Marshal(*c.Scalar)
	default:
		return []byte("null"), nil
	}
}

func (c *Confidence) UnmarshalJSON(data []byte) error {
	*c = Confidence{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '{':
		var dims map[string]float64
		if err := json.Unmarshal(data, &dims); err != nil {
			return fmt.Errorf("confidence map: %w", err)
		}
		if len(dims) == 0 {
			return errors.New("confidence map is empty")
		}
		c.Dims = dims
		return nil
	case '"':
		var label string
		if err := json.Unmarshal(data, &label); err != nil {
			return err
		}
		v, ok := labelConfidence[label]
		if !ok {
			return fmt.Errorf("confidence label %q", label)
		}
		c.Scalar = &v
		return nil
	default:
		var v float64
		if err := json.Unmarshal(data, &v); err != nil {
			return errors.New("confidence must be a number or an object of numbers")
		}
		c.Scalar = &v
		return nil
	}
}

// labelConfidence maps the bands some models answer with instead of numbers.
var labelConfidence = map[string]float64{
	"high":   0.8,
	"medium": 0.5,
	"low":    0.2,
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func in01(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}
