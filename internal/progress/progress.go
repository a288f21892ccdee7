// Package progress extracts step counters from backend output.
package progress

import (
	"fmt"
	"regexp"
	"strconv"
)

var pairPattern = regexp.MustCompile(`(\d+)/(\d+)`)

// Signal is a "current/total" pair reported by the backend.
type Signal struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Percent returns the completed share in the range the backend reported,
// usually 0-100.
func (s Signal) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Current) / float64(s.Total) * 100
}

func (s Signal) String() string {
	return fmt.Sprintf("Step %d/%d", s.Current, s.Total)
}

// Extract returns the last "a/b" pair in text. Backends print several
// slash pairs per chunk (image size, then steps) and only the final one
// reflects the current step.
func Extract(text string) (Signal, bool) {
	matches := pairPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return Signal{}, false
	}

	last := matches[len(matches)-1]
	cur, err := strconv.Atoi(last[1])
	if err != nil {
		return Signal{}, false
	}
	tot, err := strconv.Atoi(last[2])
	if err != nil || tot == 0 {
		return Signal{}, false
	}
	return Signal{Current: cur, Total: tot}, true
}
