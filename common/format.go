package common

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PrettyDuration is a time.Duration that prints with at most three decimals,
// used for cycle and task timings in logs.
type PrettyDuration time.Duration

var prettyDurationRe = regexp.MustCompile(`\.[0-9]+`)

func (d PrettyDuration) String() string {
	label := fmt.Sprintf("%v", time.Duration(d))
	if match := prettyDurationRe.FindString(label); len(match) > 4 {
		label = strings.Replace(label, match, match[:4], 1)
	}
	return label
}

// StorageSize is a byte count that prints in human units.
type StorageSize float64

func (s StorageSize) String() string {
	switch {
	case s > 1099511627776:
		return fmt.Sprintf("%.2f TiB", s/1099511627776)
	case s > 1073741824:
		return fmt.Sprintf("%.2f GiB", s/1073741824)
	case s > 1048576:
		return fmt.Sprintf("%.2f MiB", s/1048576)
	case s > 1024:
		return fmt.Sprintf("%.2f KiB", s/1024)
	default:
		return fmt.Sprintf("%.2f B", s)
	}
}
