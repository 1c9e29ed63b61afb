// Package util contains misc internal utilities.
package util

// Limiter is an inclusive [Min, Max] range on a float quantity.
type Limiter struct {
	Min, Max float64
}

// Symmetric returns a Limiter spanning [-magnitude, magnitude].
func Symmetric(magnitude float64) Limiter {
	if magnitude < 0 {
		magnitude = -magnitude
	}
	return Limiter{Min: -magnitude, Max: magnitude}
}

// Contains reports whether v lies within the range.
func (l Limiter) Contains(v float64) bool {
	return v >= l.Min && v <= l.Max
}

// Clamp returns v limited to the range.
func (l Limiter) Clamp(v float64) float64 {
	if v < l.Min {
		return l.Min
	}
	if v > l.Max {
		return l.Max
	}
	return v
}

// GetBit returns the value of a given bit in a byte.
func GetBit(b byte, bitIndex uint) bool {
	return b&(1<<bitIndex) != 0
}
