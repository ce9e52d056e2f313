package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotProvisioned reports that the remote tables have not been created.
// It is an expected condition: callers fall back to local mode.
var ErrNotProvisioned = errors.New("remote store not provisioned")

// ErrCorruptBlob reports an unreadable local blob; defaults are used instead.
var ErrCorruptBlob = errors.New("local state blob is corrupt")

// PersistError describes a failed remote persistence stage. The local blob
// has already been written when this is returned.
type PersistError struct {
	Stage string
	Err   error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Stage, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// ShouldDegrade reports whether err means the remote store cannot currently
// serve as the authoritative backend: missing tables or an exceeded timeout.
func ShouldDegrade(err error) bool {
	return errors.Is(err, ErrNotProvisioned) || errors.Is(err, context.DeadlineExceeded)
}
