package toolbox

import "errors"

var (
	// ErrInvalidEvent indicates that an event does not satisfy protocol invariants.
	ErrInvalidEvent = errors.New("toolbox: invalid event")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("toolbox: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("toolbox: subscription closed")
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("toolbox: service already registered")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("toolbox: service not found")
	// ErrModuleAlreadyRegistered indicates duplicate module registration.
	ErrModuleAlreadyRegistered = errors.New("toolbox: module already registered")
	// ErrDriverAlreadyRegistered indicates duplicate driver registration.
	ErrDriverAlreadyRegistered = errors.New("toolbox: driver already registered")
	// ErrInvalidFlagRef indicates a flag address with missing parts.
	ErrInvalidFlagRef = errors.New("toolbox: invalid flag reference")
	// ErrCorruptTargetSet indicates a stored target set that is not a list of identifiers.
	ErrCorruptTargetSet = errors.New("toolbox: corrupt target set")
	// ErrPermissionDenied indicates the actor cannot modify the entity.
	ErrPermissionDenied = errors.New("toolbox: permission denied")
)
