package provision

import "errors"

// errLocked is returned by a non-blocking lockFile when another holder has a
// conflicting lock.
var errLocked = errors.New("file is locked")

type lockMode int

const (
	lockExclusive lockMode = iota
	lockShared
)
