// Package mathx provides small numeric helpers shared across the device and
// control packages.
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// SphericalToCartesian converts a vector given as (magnitude, theta, phi) to
// Cartesian components.  Theta is the polar angle from the +z axis and phi
// the azimuthal angle counterclockwise from +x, both in degrees.
func SphericalToCartesian(magnitude, theta, phi float64) (x, y, z float64) {
	tr := theta * math.Pi / 180
	pr := phi * math.Pi / 180
	x = magnitude * math.Sin(tr) * math.Cos(pr)
	y = magnitude * math.Sin(tr) * math.Sin(pr)
	z = magnitude * math.Cos(tr)
	return x, y, z
}

// CartesianToSpherical converts Cartesian components to (magnitude, theta,
// phi) with angles in degrees.  The zero vector maps to (0, 0, 0).
func CartesianToSpherical(x, y, z float64) (magnitude, theta, phi float64) {
	magnitude = math.Sqrt(x*x + y*y + z*z)
	if magnitude == 0 {
		return 0, 0, 0
	}
	theta = math.Acos(z/magnitude) * 180 / math.Pi
	phi = math.Atan2(y, x) * 180 / math.Pi
	return magnitude, theta, phi
}
