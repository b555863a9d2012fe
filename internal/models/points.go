package models

import (
	"fmt"
	"strconv"
	"strings"
)

// PointScale is the number of micro-points in one point.
const PointScale = 1_000_000

// Points is a point amount stored as an integer count of micro-points.
// It renders as a decimal number with six fractional digits.
type Points int64

// WholePoints converts an integer amount of points.
func WholePoints(n int64) Points {
	return Points(n * PointScale)
}

// ParsePoints parses a decimal string such as "12", "0.5" or "-3.25".
// Digits beyond the sixth fractional place are rejected.
func ParsePoints(s string) (Points, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty point amount")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" && fracPart == "" {
		return 0, fmt.Errorf("invalid point amount %q", s)
	}
	if len(fracPart) > 6 {
		return 0, fmt.Errorf("point amount %q has more than 6 decimal places", s)
	}

	var whole int64
	if intPart != "" {
		v, err := strconv.ParseInt(intPart, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid point amount %q", s)
		}
		whole = v
	}

	var frac int64
	if fracPart != "" {
		padded := fracPart + strings.Repeat("0", 6-len(fracPart))
		v, err := strconv.ParseInt(padded, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid point amount %q", s)
		}
		frac = v
	}

	if whole > (1<<63-1-frac)/PointScale {
		return 0, fmt.Errorf("point amount %q out of range", s)
	}

	p := Points(whole*PointScale + frac)
	if neg {
		p = -p
	}
	return p, nil
}

// MustParsePoints is ParsePoints for constants; it panics on malformed input.
func MustParsePoints(s string) Points {
	p, err := ParsePoints(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Points) String() string {
	sign := ""
	v := int64(p)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/PointScale, v%PointScale)
}

// Float64 is for display and metrics only.
func (p Points) Float64() float64 {
	return float64(p) / PointScale
}

func (p Points) MarshalJSON() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Points) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := ParsePoints(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// UnmarshalYAML accepts scalars like `12` or `"0.5"` in the plan catalog.
func (p *Points) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParsePoints(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}
