package policy

import "errors"

var (
	// ErrUnknownProtocol is returned when a protocol bitflag or name has no
	// registry descriptor.
	ErrUnknownProtocol = errors.New("policy: unknown protocol")
	// ErrUnknownPermission is returned when a permission name or bit is not
	// declared by the resolved protocol descriptor.
	ErrUnknownPermission = errors.New("policy: unknown permission")
	// ErrPolicyNotFound is returned when a protocol policy is read before
	// any policy was ever set for it.
	ErrPolicyNotFound = errors.New("policy: policy not found")
	// ErrPrincipalAllowed is returned when adding a principal that is
	// already in the allowlist.
	ErrPrincipalAllowed = errors.New("policy: principal already allowed")
	// ErrPrincipalNotAllowed is returned when removing a principal that is
	// not in the allowlist.
	ErrPrincipalNotAllowed = errors.New("policy: principal not allowed")
)
