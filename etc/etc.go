// Package etc holds small helpers shared across packages.
package etc

import (
	"github.com/nrednav/cuid2"
)

// IDLength keeps session ids short enough to scan in log lines.
const IDLength = 12

var generate = mustInit(IDLength)

func mustInit(length int) func() string {
	gen, err := cuid2.Init(cuid2.WithLength(length))
	if err != nil {
		panic(err)
	}
	return gen
}

// NewFreshID returns a collision-resistant id for correlating a session's
// log lines, snapshots and metrics.
func NewFreshID() string {
	return generate()
}
