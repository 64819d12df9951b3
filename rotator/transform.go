package rotator

import "math"

// equhor converts between azimuth/altitude and hour-angle/declination.
// Phi is the observer's latitude
// Arguments are in radians
// Algorithm from https://metacpan.org/dist/Astro-Montenbruck/source/lib/Astro/Montenbruck/CoCo.pm
func equhor_rad(x, y, phi float64) (float64, float64) {
	sx, sy, sphi := math.Sin(x), math.Sin(y), math.Sin(phi)
	cx, cy, cphi := math.Cos(x), math.Cos(y), math.Cos(phi)

	sq := (sy * sphi) + (cy * cphi * cx)
	q := math.Asin(math.Max(-1, math.Min(1, sq)))

	cp := (sy - (sphi * sq)) / (cphi * math.Cos(q))
	// Rounding can push cp just past ±1 on the meridian.
	p := math.Acos(math.Max(-1, math.Min(1, cp)))
	if sx > 0 {
		p = 2*math.Pi - p
	}
	return p, q
}

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}

func equhor_deg(x, y, phi float64) (float64, float64) {
	x, y, phi = deg2rad(x), deg2rad(y), deg2rad(phi)
	p, q := equhor_rad(x, y, phi)
	return rad2deg(p), rad2deg(q)
}

// Horizontal returns the pose of an object at the given hour angle and
// declination seen from latitude, all in degrees. Azimuth is measured
// from north through east. The zenith itself has no defined azimuth.
func Horizontal(hourAngle, dec, latitude float64) Pose {
	az, alt := equhor_deg(hourAngle, dec, latitude)
	return Pose{Alt: alt, Az: az}.Normalize()
}
