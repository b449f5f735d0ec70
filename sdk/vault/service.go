package vault

import (
	"context"
	"fmt"
	"log/slog"

	"vaultctl/crypto"
	"vaultctl/native/custody"
	"vaultctl/native/delegate"
	"vaultctl/native/policy"
	"vaultctl/native/timelock"
	"vaultctl/observability/metrics"
)

// Service exposes one method per user-facing policy command. Every mutation
// re-fetches the current state, validates locally before anything is
// submitted, routes the proposed full-replacement value through the timelock
// engine, and terminates in exactly one SubmitMutation call. A rejection for
// a stale precondition is retried once against freshly fetched state, then
// surfaced.
type Service struct {
	reader    StateReader
	mutator   StateMutator
	registry  *policy.Registry
	delegates *delegate.Engine
	timelock  *timelock.Engine
	logger    *slog.Logger
}

// NewService wires a Service over the given reader/mutator pair. A Client
// satisfies both. Passing a nil logger falls back to the default logger.
func NewService(reader StateReader, mutator StateMutator, registry *policy.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		reader:    reader,
		mutator:   mutator,
		registry:  registry,
		delegates: delegate.NewEngine(registry),
		timelock:  timelock.NewEngine(registry),
		logger:    logger,
	}
}

// DelegateEngine exposes the underlying delegate engine for read-side checks.
func (s *Service) DelegateEngine() *delegate.Engine { return s.delegates }

// TimelockEngine exposes the underlying timelock engine for diff rendering.
func (s *Service) TimelockEngine() *timelock.Engine { return s.timelock }

func (s *Service) submit(ctx context.Context, compute func(*custody.State) (timelock.Mutation, error)) (string, error) {
	state, err := s.reader.FetchState(ctx)
	if err != nil {
		return "", err
	}
	mutation, err := compute(state)
	if err != nil {
		return "", err
	}
	txID, err := s.mutator.SubmitMutation(ctx, mutation, state.Version)
	if err == nil {
		return txID, nil
	}
	if !IsPreconditionMismatch(err) {
		return "", err
	}
	// A concurrent mutation moved the state; recompute against a fresh
	// snapshot exactly once.
	metrics.Mutations().ObserveRetry()
	s.logger.Warn("mutation precondition mismatch, retrying once",
		slog.String("field", string(mutation.Field)))
	state, err = s.reader.FetchState(ctx)
	if err != nil {
		return "", err
	}
	mutation, err = compute(state)
	if err != nil {
		return "", err
	}
	return s.mutator.SubmitMutation(ctx, mutation, state.Version)
}

func (s *Service) stageField(state *custody.State, field custody.Field, value interface{}) (timelock.Mutation, error) {
	encoded, err := custody.EncodeFieldValue(field, value)
	if err != nil {
		return timelock.Mutation{}, err
	}
	mutation, _, err := s.timelock.Stage(state, field, encoded)
	return mutation, err
}

// GrantDelegate grants the named permissions on the named protocol to the
// delegate, creating its ACL record on demand.
func (s *Service) GrantDelegate(ctx context.Context, delegateKey crypto.PublicKey, protocolName string, permissions []string) (string, error) {
	program, bitflag, err := s.registry.ResolveByName(protocolName)
	if err != nil {
		return "", err
	}
	desc, err := s.registry.Resolve(program, bitflag)
	if err != nil {
		return "", err
	}
	mask, err := desc.PermissionMask(permissions)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		acls, err := s.delegates.Grant(state.DelegateAcls, delegateKey, program, bitflag, mask)
		if err != nil {
			return timelock.Mutation{}, err
		}
		return s.stageField(state, custody.FieldDelegateAcls, acls)
	})
}

// RevokeDelegate clears the named permissions on the named protocol for the
// delegate. Revoking permissions the delegate never held succeeds as a
// no-op.
func (s *Service) RevokeDelegate(ctx context.Context, delegateKey crypto.PublicKey, protocolName string, permissions []string) (string, error) {
	program, bitflag, err := s.registry.ResolveByName(protocolName)
	if err != nil {
		return "", err
	}
	desc, err := s.registry.Resolve(program, bitflag)
	if err != nil {
		return "", err
	}
	mask, err := desc.PermissionMask(permissions)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		acls, err := s.delegates.Revoke(state.DelegateAcls, delegateKey, program, bitflag, mask)
		if err != nil {
			return timelock.Mutation{}, err
		}
		return s.stageField(state, custody.FieldDelegateAcls, acls)
	})
}

// RevokeDelegateAll removes the delegate's entire ACL record.
func (s *Service) RevokeDelegateAll(ctx context.Context, delegateKey crypto.PublicKey) (string, error) {
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		acls, err := s.delegates.RevokeAll(state.DelegateAcls, delegateKey)
		if err != nil {
			return timelock.Mutation{}, err
		}
		return s.stageField(state, custody.FieldDelegateAcls, acls)
	})
}

// SetDelegateExpiry replaces the delegate's expiry timestamp.
func (s *Service) SetDelegateExpiry(ctx context.Context, delegateKey crypto.PublicKey, expiresAt uint64) (string, error) {
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		acls, err := s.delegates.SetExpiry(state.DelegateAcls, delegateKey, expiresAt)
		if err != nil {
			return timelock.Mutation{}, err
		}
		return s.stageField(state, custody.FieldDelegateAcls, acls)
	})
}

func (s *Service) resolveProtocol(protocolName string) (crypto.PublicKey, policy.Descriptor, error) {
	program, bitflag, err := s.registry.ResolveByName(protocolName)
	if err != nil {
		return crypto.PublicKey{}, policy.Descriptor{}, err
	}
	desc, err := s.registry.Resolve(program, bitflag)
	if err != nil {
		return crypto.PublicKey{}, policy.Descriptor{}, err
	}
	return program, desc, nil
}

// editPolicy clones the integration ACL list, locates or creates the entry
// for program, applies edit to its decoded allowlist, and re-encodes.
func editPolicy(state *custody.State, program crypto.PublicKey, desc policy.Descriptor, createMissing bool, edit func(*policy.Allowlist) error) ([]custody.IntegrationAcl, error) {
	acls := custody.CloneIntegrationAcls(state.IntegrationAcls)
	var acl *custody.IntegrationAcl
	for i := range acls {
		if acls[i].Program == program {
			acl = &acls[i]
			break
		}
	}
	if acl == nil {
		if !createMissing {
			return nil, fmt.Errorf("%w: integration %s not enabled", policy.ErrPolicyNotFound, program)
		}
		acls = append(acls, custody.IntegrationAcl{Program: program})
		acl = &acls[len(acls)-1]
	}
	var list *policy.Allowlist
	if data, ok := acl.Policy(desc.Bitflag); ok {
		decoded, err := policy.Decode(desc.Schema, data)
		if err != nil {
			return nil, err
		}
		list = decoded
	} else {
		if !createMissing {
			return nil, fmt.Errorf("%w: protocol %s", policy.ErrPolicyNotFound, desc.Name)
		}
		list = policy.NewAllowlist(desc.Schema.Entry)
	}
	if err := edit(list); err != nil {
		return nil, err
	}
	encoded, err := list.Encode(desc.Schema)
	if err != nil {
		return nil, err
	}
	acl.SetPolicy(desc.Bitflag, encoded)
	return acls, nil
}

// AllowPrincipal adds an entry to the named protocol's allowlist, enabling
// the protocol and creating its policy payload on demand.
func (s *Service) AllowPrincipal(ctx context.Context, protocolName string, entry policy.Entry) (string, error) {
	program, desc, err := s.resolveProtocol(protocolName)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		acls, err := editPolicy(state, program, desc, true, func(list *policy.Allowlist) error {
			return list.Add(entry)
		})
		if err != nil {
			return timelock.Mutation{}, err
		}
		return s.stageField(state, custody.FieldIntegrationAcls, acls)
	})
}

// DisallowPrincipal removes an entry from the named protocol's allowlist.
// The policy must already exist.
func (s *Service) DisallowPrincipal(ctx context.Context, protocolName string, entry policy.Entry) (string, error) {
	program, desc, err := s.resolveProtocol(protocolName)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		acls, err := editPolicy(state, program, desc, false, func(list *policy.Allowlist) error {
			return list.Remove(entry)
		})
		if err != nil {
			return timelock.Mutation{}, err
		}
		return s.stageField(state, custody.FieldIntegrationAcls, acls)
	})
}

// SetPolicyScalar sets one scalar parameter of the named protocol's policy,
// independent of allowlist membership.
func (s *Service) SetPolicyScalar(ctx context.Context, protocolName, scalarName string, value uint64) (string, error) {
	program, desc, err := s.resolveProtocol(protocolName)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		acls, err := editPolicy(state, program, desc, true, func(list *policy.Allowlist) error {
			return list.SetScalar(desc.Schema, scalarName, value)
		})
		if err != nil {
			return timelock.Mutation{}, err
		}
		return s.stageField(state, custody.FieldIntegrationAcls, acls)
	})
}

// EnableProtocol sets the protocol's bit in its integration's bitmask,
// creating the integration ACL on demand. A protocol enabled with no policy
// payload runs under its schema default (open unless default-deny).
func (s *Service) EnableProtocol(ctx context.Context, protocolName string) (string, error) {
	program, desc, err := s.resolveProtocol(protocolName)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		acls := custody.CloneIntegrationAcls(state.IntegrationAcls)
		found := false
		for i := range acls {
			if acls[i].Program == program {
				acls[i].ProtocolsBitmask |= desc.Bitflag
				found = true
				break
			}
		}
		if !found {
			acls = append(acls, custody.IntegrationAcl{Program: program, ProtocolsBitmask: desc.Bitflag})
		}
		return s.stageField(state, custody.FieldIntegrationAcls, acls)
	})
}

// DisableProtocol clears the protocol's bit. Any policy payload stays in
// place, dormant, and becomes effective again on re-enable.
func (s *Service) DisableProtocol(ctx context.Context, protocolName string) (string, error) {
	program, desc, err := s.resolveProtocol(protocolName)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		acls := custody.CloneIntegrationAcls(state.IntegrationAcls)
		for i := range acls {
			if acls[i].Program == program {
				acls[i].ProtocolsBitmask &^= desc.Bitflag
				return s.stageField(state, custody.FieldIntegrationAcls, acls)
			}
		}
		return timelock.Mutation{}, fmt.Errorf("%w: integration %s not enabled", policy.ErrPolicyNotFound, program)
	})
}

// SetAssets replaces the vault's tracked asset list.
func (s *Service) SetAssets(ctx context.Context, assets []crypto.PublicKey) (string, error) {
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		return s.stageField(state, custody.FieldAssets, assets)
	})
}

// SetBorrowable replaces the vault's borrowable asset list.
func (s *Service) SetBorrowable(ctx context.Context, assets []crypto.PublicKey) (string, error) {
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		return s.stageField(state, custody.FieldBorrowable, assets)
	})
}

// SetTimelockDuration stages a new timelock duration. A zero duration takes
// effect immediately only once applied; while a timelock is configured the
// change itself is subject to it.
func (s *Service) SetTimelockDuration(ctx context.Context, seconds uint64) (string, error) {
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		return s.stageField(state, custody.FieldTimelockDuration, seconds)
	})
}

// ApplyPending commits every staged update once the timelock has elapsed.
func (s *Service) ApplyPending(ctx context.Context) (string, error) {
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		mutation, _, err := s.timelock.Apply(state)
		return mutation, err
	})
}

// CancelPending discards every staged update without touching live state.
func (s *Service) CancelPending(ctx context.Context) (string, error) {
	return s.submit(ctx, func(state *custody.State) (timelock.Mutation, error) {
		mutation, _, err := s.timelock.Cancel(state)
		return mutation, err
	})
}

// Status fetches the current state and its computed timelock phase.
func (s *Service) Status(ctx context.Context) (*custody.State, timelock.Status, error) {
	state, err := s.reader.FetchState(ctx)
	if err != nil {
		return nil, timelock.StatusIdle, err
	}
	return state, s.timelock.Status(state), nil
}

// PendingDiffs fetches the current state and diffs every staged field
// against its live value.
func (s *Service) PendingDiffs(ctx context.Context) ([]timelock.Diff, error) {
	state, err := s.reader.FetchState(ctx)
	if err != nil {
		return nil, err
	}
	return s.timelock.Diffs(state)
}

// ReadPolicy fetches and decodes the named protocol's allowlist policy.
// Reading a policy that was never set fails with ErrPolicyNotFound.
func (s *Service) ReadPolicy(ctx context.Context, protocolName string) (*policy.Allowlist, policy.Schema, error) {
	program, desc, err := s.resolveProtocol(protocolName)
	if err != nil {
		return nil, policy.Schema{}, err
	}
	state, err := s.reader.FetchState(ctx)
	if err != nil {
		return nil, policy.Schema{}, err
	}
	acl, ok := state.Integration(program)
	if !ok {
		return nil, policy.Schema{}, fmt.Errorf("%w: integration %s not enabled", policy.ErrPolicyNotFound, program)
	}
	data, ok := acl.Policy(desc.Bitflag)
	if !ok {
		return nil, policy.Schema{}, fmt.Errorf("%w: protocol %s", policy.ErrPolicyNotFound, desc.Name)
	}
	list, err := policy.Decode(desc.Schema, data)
	if err != nil {
		return nil, policy.Schema{}, err
	}
	return list, desc.Schema, nil
}

// HasPermission fetches the current state and evaluates the delegate's
// permission on the named protocol.
func (s *Service) HasPermission(ctx context.Context, delegateKey crypto.PublicKey, protocolName, permission string) (bool, error) {
	program, desc, err := s.resolveProtocol(protocolName)
	if err != nil {
		return false, err
	}
	mask, err := desc.PermissionMask([]string{permission})
	if err != nil {
		return false, err
	}
	state, err := s.reader.FetchState(ctx)
	if err != nil {
		return false, err
	}
	bits := policy.Bits(mask)
	if len(bits) != 1 {
		return false, fmt.Errorf("%w: %q", policy.ErrUnknownPermission, permission)
	}
	return s.delegates.HasPermission(state.DelegateAcls, delegateKey, program, desc.Bitflag, bits[0]), nil
}
