package orbit

import (
	"math"
	"time"
)

// SunAltitude returns the apparent solar altitude in degrees at the station.
// Low-precision almanac formulae, good to roughly 0.01 degree, which is far
// below the illumination threshold granularity.
func SunAltitude(st Station, t time.Time) float64 {
	jd := float64(t.UTC().UnixNano())/float64(24*time.Hour) + 2440587.5
	d := jd - 2451545.0

	g := normDeg(357.529 + 0.98560028*d)
	q := normDeg(280.459 + 0.98564736*d)
	l := normDeg(q + 1.915*math.Sin(g*deg2rad) + 0.020*math.Sin(2*g*deg2rad))
	e := 23.439 - 0.00000036*d

	ra := math.Atan2(math.Cos(e*deg2rad)*math.Sin(l*deg2rad), math.Cos(l*deg2rad)) * rad2deg
	dec := math.Asin(math.Sin(e*deg2rad)*math.Sin(l*deg2rad)) * rad2deg

	gmst := normDeg((18.697374558 + 24.06570982441908*d) * 15.0)
	lha := normDeg(gmst + st.Lon - ra)

	lat := st.Lat * deg2rad
	sinAlt := math.Sin(lat)*math.Sin(dec*deg2rad) + math.Cos(lat)*math.Cos(dec*deg2rad)*math.Cos(lha*deg2rad)
	return math.Asin(sinAlt) * rad2deg
}

func normDeg(v float64) float64 {
	v = math.Mod(v, 360.0)
	if v < 0 {
		v += 360.0
	}
	return v
}
