package delegate

import (
	"errors"
	"fmt"
	"time"

	"vaultctl/crypto"
	"vaultctl/native/custody"
	"vaultctl/native/policy"
)

// ErrDelegateNotFound is returned by operations that require an existing
// delegate record.
var ErrDelegateNotFound = errors.New("delegate: delegate not found")

// Engine evaluates and mutates delegate ACL lists. Every mutation is pure: it
// takes the current list and returns the full replacement list to submit, so
// a command maps to exactly one remote mutation. Permission bits are
// validated against the registry before any mutation is computed.
type Engine struct {
	registry *policy.Registry
	nowFn    func() time.Time
}

// NewEngine constructs a delegate engine backed by the given registry.
func NewEngine(registry *policy.Registry) *Engine {
	return &Engine{
		registry: registry,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the time source used for expiry checks. Nil restores
// the default UTC clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// Grant ORs mask into the delegate's permissions for the protocol, creating
// the delegate record (never-expiring) and nested entries on demand. Grants
// are additive: unrelated bits are never cleared.
func (e *Engine) Grant(acls []custody.DelegateAcl, delegate, program crypto.PublicKey, bitflag, mask uint32) ([]custody.DelegateAcl, error) {
	desc, err := e.registry.Resolve(program, bitflag)
	if err != nil {
		return nil, err
	}
	if err := desc.ValidateMask(mask); err != nil {
		return nil, err
	}
	updated := custody.CloneDelegateAcls(acls)
	acl := findAcl(updated, delegate)
	if acl == nil {
		updated = append(updated, custody.DelegateAcl{Pubkey: delegate})
		acl = &updated[len(updated)-1]
	}
	grant := findGrant(acl, program)
	if grant == nil {
		acl.Integrations = append(acl.Integrations, custody.IntegrationGrant{Program: program})
		grant = &acl.Integrations[len(acl.Integrations)-1]
	}
	for i := range grant.Protocols {
		if grant.Protocols[i].Bitflag == bitflag {
			grant.Protocols[i].Permissions |= mask
			return updated, nil
		}
	}
	grant.Protocols = append(grant.Protocols, custody.ProtocolGrant{Bitflag: bitflag, Permissions: mask})
	return updated, nil
}

// Revoke clears the masked bits from the delegate's permissions for the
// protocol. A missing delegate or entry is a successful no-op: nothing to
// revoke is not an error, and no record is created.
func (e *Engine) Revoke(acls []custody.DelegateAcl, delegate, program crypto.PublicKey, bitflag, mask uint32) ([]custody.DelegateAcl, error) {
	desc, err := e.registry.Resolve(program, bitflag)
	if err != nil {
		return nil, err
	}
	if err := desc.ValidateMask(mask); err != nil {
		return nil, err
	}
	updated := custody.CloneDelegateAcls(acls)
	acl := findAcl(updated, delegate)
	if acl == nil {
		return updated, nil
	}
	grant := findGrant(acl, program)
	if grant == nil {
		return updated, nil
	}
	for i := range grant.Protocols {
		if grant.Protocols[i].Bitflag == bitflag {
			grant.Protocols[i].Permissions &^= mask
			break
		}
	}
	return updated, nil
}

// RevokeAll removes the delegate's entire ACL record in one mutation,
// distinct from per-protocol revocation. Used for emergency lockout.
func (e *Engine) RevokeAll(acls []custody.DelegateAcl, delegate crypto.PublicKey) ([]custody.DelegateAcl, error) {
	updated := custody.CloneDelegateAcls(acls)
	for i := range updated {
		if updated[i].Pubkey == delegate {
			return append(updated[:i], updated[i+1:]...), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDelegateNotFound, delegate)
}

// SetExpiry replaces the delegate's expiry timestamp. Zero means the grant
// never expires.
func (e *Engine) SetExpiry(acls []custody.DelegateAcl, delegate crypto.PublicKey, expiresAt uint64) ([]custody.DelegateAcl, error) {
	updated := custody.CloneDelegateAcls(acls)
	acl := findAcl(updated, delegate)
	if acl == nil {
		return nil, fmt.Errorf("%w: %s", ErrDelegateNotFound, delegate)
	}
	acl.ExpiresAt = expiresAt
	return updated, nil
}

// HasPermission reports whether the delegate currently holds the permission
// bit on the protocol. Absent records, expired records, and unset bits all
// report false.
func (e *Engine) HasPermission(acls []custody.DelegateAcl, delegate, program crypto.PublicKey, bitflag uint32, permissionBit uint8) bool {
	acl := findAcl(acls, delegate)
	if acl == nil {
		return false
	}
	if acl.ExpiresAt != 0 && uint64(e.nowFn().Unix()) >= acl.ExpiresAt {
		return false
	}
	grant := findGrant(acl, program)
	if grant == nil {
		return false
	}
	bit, err := policy.Bit(permissionBit)
	if err != nil {
		return false
	}
	for _, protocol := range grant.Protocols {
		if protocol.Bitflag == bitflag {
			return protocol.Permissions&bit != 0
		}
	}
	return false
}

func findAcl(acls []custody.DelegateAcl, delegate crypto.PublicKey) *custody.DelegateAcl {
	for i := range acls {
		if acls[i].Pubkey == delegate {
			return &acls[i]
		}
	}
	return nil
}

func findGrant(acl *custody.DelegateAcl, program crypto.PublicKey) *custody.IntegrationGrant {
	for i := range acl.Integrations {
		if acl.Integrations[i].Program == program {
			return &acl.Integrations[i]
		}
	}
	return nil
}
