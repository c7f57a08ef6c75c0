// Package clock provides the tiny time seam the caches read the current
// time through, so a stub can stand in for the real clock.
package clock

import "time"

// Clock returns the current time. Passing nil to a cache constructor
// selects Real; any other func can be injected in its place.
type Clock func() time.Time

// Real is the production clock.
func Real() time.Time { return time.Now() }
