//go:build !unix

package lease

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("file leases are not supported on this platform; use lease.kind=redis or none")

func flockExclusive(*os.File) error { return errUnsupported }

func flockUnlock(*os.File) error { return nil }
