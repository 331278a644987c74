// Package ids generates the identifiers used throughout bndl: dataset ids,
// broadcast block keys and accumulator ids.
package ids

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var datasetSeq uint64

// Dataset returns a monotonically increasing id suitable for a Dataset.
// Datasets are created on a single goroutine (the driver), but the counter
// is atomic so that tests and future concurrent builders stay correct.
func Dataset() uint64 {
	return atomic.AddUint64(&datasetSeq, 1)
}

// Time returns a time-based id, used where ids must be comparable across
// driver restarts (e.g. job ids surfaced in logs).
func Time() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// Block returns a fresh identifier for a broadcast/shuffle block.
func Block() string {
	return uuid.NewString()
}

// Random8 returns an 8-character random id, used for accumulators so wire
// payloads stay small (mirrors bndl.util.strings.random(8) in the original).
func Random8() string {
	return uuid.NewString()[:8]
}
