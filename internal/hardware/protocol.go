package hardware

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StatusQuery asks the controller for current and target positions.
const StatusQuery = "M114"

var ErrRejected = errors.New("command rejected")

// MoveCommand renders an axis move. Angles travel as integer tenths of a
// degree; feed rate -1 moves as fast as possible.
func MoveCommand(azimuth, elevation float64) string {
	return fmt.Sprintf("G01 A%d E%d F-1", tenths(azimuth), tenths(elevation))
}

func tenths(v float64) int64 { return int64(math.Round(v * 10)) }

// Status is a decoded status reply. Angles are degrees.
type Status struct {
	Azimuth         float64
	TargetAzimuth   float64
	Elevation       float64
	TargetElevation float64
	DriversPower    bool
}

// ParseStatus decodes "ok A <az> AT <taz> E <el> ET <tel> [P <0|1>]".
// Keys may carry a trailing colon. A missing P field reports drivers powered.
func ParseStatus(line string) (Status, error) {
	f := strings.Fields(line)
	if len(f) == 0 || f[0] != "ok" {
		return Status{}, fmt.Errorf("%w: %q", ErrRejected, line)
	}
	vals := map[string]float64{}
	for i := 1; i+1 < len(f); i += 2 {
		key := strings.ToUpper(strings.TrimSuffix(f[i], ":"))
		v, err := strconv.ParseFloat(f[i+1], 64)
		if err != nil {
			return Status{}, fmt.Errorf("status field %s: %w", key, err)
		}
		vals[key] = v
	}
	for _, k := range []string{"A", "AT", "E", "ET"} {
		if _, ok := vals[k]; !ok {
			return Status{}, fmt.Errorf("status reply %q missing %s", line, k)
		}
	}
	st := Status{
		Azimuth:         vals["A"] / 10,
		TargetAzimuth:   vals["AT"] / 10,
		Elevation:       vals["E"] / 10,
		TargetElevation: vals["ET"] / 10,
		DriversPower:    true,
	}
	if p, ok := vals["P"]; ok {
		st.DriversPower = p != 0
	}
	return st, nil
}

// CheckOK validates an acknowledgement line.
func CheckOK(line string) error {
	if line == "ok" || strings.HasPrefix(line, "ok ") {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrRejected, line)
}
