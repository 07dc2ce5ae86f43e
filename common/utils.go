package common

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/dominant-strategies/go-sequencer/log"
)

// RandomID returns a random hex identifier of n bytes of entropy. It is used to
// mint flow and task identifiers, which only need to be unique within the
// lifetime of a sequencer process.
func RandomID(n int) string {
	b := make([]byte, n)
	for {
		if _, err := rand.Read(b); err != nil {
			log.Global.Warnf("failed to generate random id: %s . Retrying...", err)
			continue
		}
		return hex.EncodeToString(b)
	}
}

// DurationSince rounds the time elapsed since start to milliseconds, which is
// the resolution cycle timings are logged at.
func DurationSince(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
