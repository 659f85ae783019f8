// Package rangemap rescales raw sensor readings onto the fixed 1000..2000 target
// range used for RC channel values.
package rangemap

import (
	"errors"
	"fmt"
)

// Target range every calibrated reading is mapped onto.
const (
	Low  = 1000.0
	High = 2000.0
	Mid  = Low + (High-Low)*0.5
)

// ErrInvalidRange is returned when the observed range has zero width.
var ErrInvalidRange = errors.New("invalid range: highest and lowest reading are equal")

// Params holds the affine transform derived from one observed raw range.
type Params struct {
	Offset float64 `json:"offset"`
	Ratio  float64 `json:"ratio"`
}

// Derive computes the offset and ratio that map lowest onto Low and highest
// onto High. Reversed ranges are accepted and produce a decreasing transform.
func Derive(lowest, highest float64) (Params, error) {
	rangeRead := highest - lowest
	if rangeRead == 0 {
		return Params{}, fmt.Errorf("%w (lowest=%v highest=%v)", ErrInvalidRange, lowest, highest)
	}
	return Params{
		Offset: -lowest,
		Ratio:  (High - Low) / rangeRead,
	}, nil
}

// Apply maps value using p. Values outside the observed range extrapolate.
func Apply(p Params, value float64) float64 {
	// the product is rounded before adding Low; no fused multiply-add
	return float64((value+p.Offset)*p.Ratio) + Low
}

// Apply maps value using p; see the package-level Apply.
func (p Params) Apply(value float64) float64 { return Apply(p, value) }

// ApplyClamped maps value and constrains the result to [Low, High].
func (p Params) ApplyClamped(value float64) float64 { return Clamp(Apply(p, value)) }

// CheckMiddle maps the midpoint of [lowest, highest]; for any valid pair the
// result is Mid.
func CheckMiddle(lowest, highest float64) (float64, error) {
	p, err := Derive(lowest, highest)
	if err != nil {
		return 0, err
	}
	middle := lowest + (highest-lowest)*0.5
	return Apply(p, middle), nil
}

// Clamp constrains v to [Low, High].
func Clamp(v float64) float64 {
	if v < Low {
		return Low
	}
	if v > High {
		return High
	}
	return v
}
