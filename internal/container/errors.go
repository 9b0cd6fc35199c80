package container

import (
	"errors"

	"github.com/containerd/errdefs"
)

// ErrUnreachable is returned when the engine cannot be contacted at all.
var ErrUnreachable = errors.New("container engine unreachable")

// IsNotFound reports whether err is the engine's 404.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// IsConflict reports whether err is the engine's 409, e.g. a removal already
// in progress or a name that is already taken.
func IsConflict(err error) bool {
	return errdefs.IsConflict(err) || errdefs.IsAlreadyExists(err)
}

// IsUnhealthy reports whether err is the engine's 500. Swarm-style engines
// return it for objects on unhealthy nodes.
func IsUnhealthy(err error) bool {
	return errdefs.IsInternal(err)
}

// IsUnreachable reports whether err means the engine could not be contacted.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errdefs.IsUnavailable(err)
}
