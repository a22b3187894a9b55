package sqlite

import (
	"log"
	"os"
	"time"
)

// slowQueryThreshold is the point past which an operation gets logged
// with its name. Queries under it stay silent; nothing is ever swallowed.
const slowQueryThreshold = 100 * time.Millisecond

var slowLog = log.New(os.Stderr, "cellmesh/sqlite: ", log.LstdFlags)

// logIfSlow reports an operation that overran the threshold. Call it
// deferred with the start time:
//
//	defer logIfSlow("rebuild blocked cache", time.Now())
func logIfSlow(op string, start time.Time) {
	if elapsed := time.Since(start); elapsed > slowQueryThreshold {
		slowLog.Printf("slow query: %s took %s", op, elapsed.Round(time.Millisecond))
	}
}
