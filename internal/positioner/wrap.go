package positioner

const (
	// MinAzimuth is the smallest commanded azimuth while tracking; 0 is the
	// parked sentinel.
	MinAzimuth = 0.1

	wrapLow  = 10.0
	wrapHigh = 350.0
)

// Wrap lets the positioner continue past the 0/360 boundary instead of
// swinging back the long way. Once an offset is chosen it holds for the
// rest of the tracking session.
type Wrap struct {
	offset float64
	prev   float64
}

// Next returns the azimuth to command for the live azimuth az.
func (w *Wrap) Next(az float64) float64 {
	if az < MinAzimuth {
		az = MinAzimuth
	}
	if w.offset == 0 {
		switch {
		case az < wrapLow && w.prev > wrapHigh:
			w.offset = 360
		case az > wrapHigh && w.prev < wrapLow && w.prev != 0:
			w.offset = -360
		}
	}
	w.prev = az
	return az + w.offset
}

// Offset returns the current wraparound offset.
func (w *Wrap) Offset() float64 { return w.offset }

// Reset clears offset and history.
func (w *Wrap) Reset() { *w = Wrap{} }
