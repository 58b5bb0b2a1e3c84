package orbit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidElements is returned for TLE text that cannot be handed to SGP4.
var ErrInvalidElements = errors.New("invalid orbital elements")

// Elements is a two-line element set with its optional title line.
type Elements struct {
	Name  string `json:"name,omitempty"`
	Line1 string `json:"line1"`
	Line2 string `json:"line2"`
}

// ParseElements accepts a 2-line or 3-line TLE block as stored in the
// satellite catalog.
func ParseElements(text string) (Elements, error) {
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	var el Elements
	switch len(lines) {
	case 2:
		el = Elements{Line1: lines[0], Line2: lines[1]}
	case 3:
		el = Elements{Name: strings.TrimSpace(lines[0]), Line1: lines[1], Line2: lines[2]}
	default:
		return Elements{}, fmt.Errorf("%w: expected 2 or 3 lines, got %d", ErrInvalidElements, len(lines))
	}
	if err := el.Validate(); err != nil {
		return Elements{}, err
	}
	return el, nil
}

// Validate checks the fixed-width TLE layout. go-satellite calls log.Fatal on
// malformed input, so nothing reaches it without passing here first.
func (e Elements) Validate() error {
	l1 := strings.TrimSpace(e.Line1)
	l2 := strings.TrimSpace(e.Line2)
	if len(l1) != 69 {
		return fmt.Errorf("%w: line1 length %d, expected 69", ErrInvalidElements, len(l1))
	}
	if len(l2) != 69 {
		return fmt.Errorf("%w: line2 length %d, expected 69", ErrInvalidElements, len(l2))
	}
	if l1[0] != '1' {
		return fmt.Errorf("%w: line1 must start with '1', got '%c'", ErrInvalidElements, l1[0])
	}
	if l2[0] != '2' {
		return fmt.Errorf("%w: line2 must start with '2', got '%c'", ErrInvalidElements, l2[0])
	}
	return nil
}

// CatalogNumber extracts the NORAD catalog number from line 1.
func (e Elements) CatalogNumber() (int, error) {
	l1 := strings.TrimSpace(e.Line1)
	if len(l1) < 7 {
		return 0, fmt.Errorf("%w: line1 too short", ErrInvalidElements)
	}
	n, err := strconv.Atoi(strings.TrimSpace(l1[2:7]))
	if err != nil {
		return 0, fmt.Errorf("%w: catalog number: %v", ErrInvalidElements, err)
	}
	return n, nil
}

// String renders the element set back into catalog text form.
func (e Elements) String() string {
	if e.Name != "" {
		return e.Name + "\n" + e.Line1 + "\n" + e.Line2 + "\n"
	}
	return e.Line1 + "\n" + e.Line2 + "\n"
}
