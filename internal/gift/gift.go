package gift

import (
	"strconv"
	"strings"
	"time"
)

// Gift is one monitored item as reported by the backend.
// Immutable once received; only its id outlives the cycle (seen-set).
type Gift struct {
	ID          string
	Name        string
	Emoji       string
	Description string

	// Price is display text ("1,250"), not a number: the upstream detector
	// extracts it verbatim from channel posts, thousands separators included.
	Price string

	Total          int
	Available      int
	AvailablePct   int
	AvailableKnown bool

	IsLimited bool
	IsSoldOut bool

	DetectedAt   time.Time
	UrgencyScore float64

	Channel     string
	MessageLink string
}

// ParsePrice converts a display price to a numeric value by stripping
// thousands separators and whitespace. Unparsable prices return (0, false):
// the filter layer treats them as below any positive minimum.
func ParsePrice(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ',' || r == ' ' || r == '\u00a0' || r == '.':
			// separators; a trailing ".00" style fraction is not expected in
			// this feed, prices are whole star amounts
		default:
			return 0, false
		}
	}
	if b.Len() == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Urgency recomputes the 0..1 urgency score the way the upstream detector
// does. Used when the backend omits urgency_score.
func Urgency(g Gift) float64 {
	if g.IsSoldOut {
		return 0
	}
	score := 0.3
	if g.IsLimited {
		score += 0.3
	}
	if g.AvailableKnown {
		switch {
		case g.AvailablePct < 10:
			score += 0.4
		case g.AvailablePct < 25:
			score += 0.3
		case g.AvailablePct < 50:
			score += 0.2
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
