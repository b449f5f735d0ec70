package custody

import (
	"errors"
	"fmt"

	"vaultctl/crypto"

	"github.com/ethereum/go-ethereum/rlp"
)

// ErrUnknownField is returned when a field name does not identify a mutable
// vault field.
var ErrUnknownField = errors.New("custody: unknown field")

// Field names the mutable top-level fields of the vault state. Staged updates
// and mutation submissions are keyed by these values.
type Field string

const (
	FieldIntegrationAcls  Field = "integrationAcls"
	FieldDelegateAcls     Field = "delegateAcls"
	FieldAssets           Field = "assets"
	FieldBorrowable       Field = "borrowable"
	FieldTimelockDuration Field = "timelockDuration"
	// FieldPendingUpdates addresses the staging envelope itself. It is a
	// valid mutation target but never a stageable field.
	FieldPendingUpdates Field = "pendingUpdates"
	// FieldApplyPending is the commit marker submitted when the timelock has
	// elapsed. It carries no value.
	FieldApplyPending Field = "applyPending"
)

// StageableFields lists the fields that may carry a staged replacement value,
// in display order.
func StageableFields() []Field {
	return []Field{
		FieldIntegrationAcls,
		FieldDelegateAcls,
		FieldAssets,
		FieldBorrowable,
		FieldTimelockDuration,
	}
}

// Stageable reports whether the field accepts a staged replacement value.
func Stageable(field Field) bool {
	switch field {
	case FieldIntegrationAcls, FieldDelegateAcls, FieldAssets, FieldBorrowable, FieldTimelockDuration:
		return true
	default:
		return false
	}
}

// ProtocolPolicy binds one protocol bitflag to its encoded policy payload.
// The payload layout is interpreted by the policy registry; custody treats it
// as opaque bytes.
type ProtocolPolicy struct {
	Bitflag uint32 `json:"bitflag"`
	Data    []byte `json:"data"`
}

// IntegrationAcl enables one external integration program for the vault. Bit
// i of ProtocolsBitmask enables protocol i; at most one policy entry may
// exist per distinct bitflag.
type IntegrationAcl struct {
	Program          crypto.PublicKey `json:"program"`
	ProtocolsBitmask uint32           `json:"protocolsBitmask"`
	Policies         []ProtocolPolicy `json:"policies"`
}

// Policy returns the encoded policy payload for the given bitflag.
func (a *IntegrationAcl) Policy(bitflag uint32) ([]byte, bool) {
	for i := range a.Policies {
		if a.Policies[i].Bitflag == bitflag {
			return a.Policies[i].Data, true
		}
	}
	return nil, false
}

// SetPolicy upserts the policy payload for the given bitflag and enables the
// protocol bit. The single-entry-per-bitflag invariant is preserved by
// replacing any existing entry in place.
func (a *IntegrationAcl) SetPolicy(bitflag uint32, data []byte) {
	a.ProtocolsBitmask |= bitflag
	for i := range a.Policies {
		if a.Policies[i].Bitflag == bitflag {
			a.Policies[i].Data = data
			return
		}
	}
	a.Policies = append(a.Policies, ProtocolPolicy{Bitflag: bitflag, Data: data})
}

// ProtocolGrant holds the permission bitmask a delegate was granted on one
// protocol of an integration.
type ProtocolGrant struct {
	Bitflag     uint32 `json:"bitflag"`
	Permissions uint32 `json:"permissions"`
}

// IntegrationGrant groups a delegate's protocol grants under one integration
// program.
type IntegrationGrant struct {
	Program   crypto.PublicKey `json:"program"`
	Protocols []ProtocolGrant  `json:"protocols"`
}

// DelegateAcl records one delegate principal, its expiry, and its nested
// permission grants. ExpiresAt zero means the grant never expires.
type DelegateAcl struct {
	Pubkey       crypto.PublicKey   `json:"pubkey"`
	ExpiresAt    uint64             `json:"expiresAt"`
	Integrations []IntegrationGrant `json:"integrations"`
}

// PendingUpdate is one staged full-replacement value, keyed by field name.
// Value holds the RLP encoding produced by EncodeFieldValue.
type PendingUpdate struct {
	Field Field  `json:"field"`
	Value []byte `json:"value"`
}

// StagingEnvelope is the wire value of the pendingUpdates field: the staged
// queue plus the timestamp at which it becomes eligible to apply.
type StagingEnvelope struct {
	ExpiresAt uint64          `json:"expiresAt"`
	Updates   []PendingUpdate `json:"updates"`
}

// State is the full client-side view of a vault: live configuration, any
// staged updates, and the remote version used as a mutation precondition.
type State struct {
	Vault            crypto.PublicKey   `json:"vault"`
	IntegrationAcls  []IntegrationAcl   `json:"integrationAcls"`
	DelegateAcls     []DelegateAcl      `json:"delegateAcls"`
	Assets           []crypto.PublicKey `json:"assets"`
	Borrowable       []crypto.PublicKey `json:"borrowable"`
	TimelockDuration uint64             `json:"timelockDuration"`
	PendingExpiresAt uint64             `json:"pendingExpiresAt"`
	PendingUpdates   []PendingUpdate    `json:"pendingUpdates"`
	Version          uint64             `json:"version"`
}

// Integration returns the ACL entry for the given program.
func (s *State) Integration(program crypto.PublicKey) (*IntegrationAcl, bool) {
	for i := range s.IntegrationAcls {
		if s.IntegrationAcls[i].Program == program {
			return &s.IntegrationAcls[i], true
		}
	}
	return nil, false
}

// Staged returns the staged value for the given field, if any.
func (s *State) Staged(field Field) ([]byte, bool) {
	for i := range s.PendingUpdates {
		if s.PendingUpdates[i].Field == field {
			return s.PendingUpdates[i].Value, true
		}
	}
	return nil, false
}

// Clone deep-copies the state so engines can compute replacement values
// without mutating the fetched snapshot.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	clone.IntegrationAcls = CloneIntegrationAcls(s.IntegrationAcls)
	clone.DelegateAcls = CloneDelegateAcls(s.DelegateAcls)
	clone.Assets = append([]crypto.PublicKey(nil), s.Assets...)
	clone.Borrowable = append([]crypto.PublicKey(nil), s.Borrowable...)
	clone.PendingUpdates = make([]PendingUpdate, len(s.PendingUpdates))
	for i, update := range s.PendingUpdates {
		clone.PendingUpdates[i] = PendingUpdate{
			Field: update.Field,
			Value: append([]byte(nil), update.Value...),
		}
	}
	if len(s.PendingUpdates) == 0 {
		clone.PendingUpdates = nil
	}
	return &clone
}

// CloneIntegrationAcls deep-copies an integration ACL list.
func CloneIntegrationAcls(acls []IntegrationAcl) []IntegrationAcl {
	if acls == nil {
		return nil
	}
	out := make([]IntegrationAcl, len(acls))
	for i, acl := range acls {
		out[i] = IntegrationAcl{Program: acl.Program, ProtocolsBitmask: acl.ProtocolsBitmask}
		if acl.Policies != nil {
			out[i].Policies = make([]ProtocolPolicy, len(acl.Policies))
			for j, p := range acl.Policies {
				out[i].Policies[j] = ProtocolPolicy{Bitflag: p.Bitflag, Data: append([]byte(nil), p.Data...)}
			}
		}
	}
	return out
}

// CloneDelegateAcls deep-copies a delegate ACL list.
func CloneDelegateAcls(acls []DelegateAcl) []DelegateAcl {
	if acls == nil {
		return nil
	}
	out := make([]DelegateAcl, len(acls))
	for i, acl := range acls {
		out[i] = DelegateAcl{Pubkey: acl.Pubkey, ExpiresAt: acl.ExpiresAt}
		if acl.Integrations != nil {
			out[i].Integrations = make([]IntegrationGrant, len(acl.Integrations))
			for j, grant := range acl.Integrations {
				out[i].Integrations[j] = IntegrationGrant{
					Program:   grant.Program,
					Protocols: append([]ProtocolGrant(nil), grant.Protocols...),
				}
			}
		}
	}
	return out
}

// EncodeFieldValue serialises a proposed full-replacement value for the given
// field. The concrete type of value must match the field.
func EncodeFieldValue(field Field, value interface{}) ([]byte, error) {
	switch field {
	case FieldIntegrationAcls:
		acls, ok := value.([]IntegrationAcl)
		if !ok {
			return nil, fmt.Errorf("custody: field %s requires []IntegrationAcl, got %T", field, value)
		}
		return rlp.EncodeToBytes(acls)
	case FieldDelegateAcls:
		acls, ok := value.([]DelegateAcl)
		if !ok {
			return nil, fmt.Errorf("custody: field %s requires []DelegateAcl, got %T", field, value)
		}
		return rlp.EncodeToBytes(acls)
	case FieldAssets, FieldBorrowable:
		keys, ok := value.([]crypto.PublicKey)
		if !ok {
			return nil, fmt.Errorf("custody: field %s requires []crypto.PublicKey, got %T", field, value)
		}
		return rlp.EncodeToBytes(keys)
	case FieldTimelockDuration:
		duration, ok := value.(uint64)
		if !ok {
			return nil, fmt.Errorf("custody: field %s requires uint64, got %T", field, value)
		}
		return rlp.EncodeToBytes(duration)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
}

// DecodeFieldValue reverses EncodeFieldValue. The returned value has the
// concrete type documented there.
func DecodeFieldValue(field Field, raw []byte) (interface{}, error) {
	switch field {
	case FieldIntegrationAcls:
		var acls []IntegrationAcl
		if err := rlp.DecodeBytes(raw, &acls); err != nil {
			return nil, fmt.Errorf("custody: decode %s: %w", field, err)
		}
		return acls, nil
	case FieldDelegateAcls:
		var acls []DelegateAcl
		if err := rlp.DecodeBytes(raw, &acls); err != nil {
			return nil, fmt.Errorf("custody: decode %s: %w", field, err)
		}
		return acls, nil
	case FieldAssets, FieldBorrowable:
		var keys []crypto.PublicKey
		if err := rlp.DecodeBytes(raw, &keys); err != nil {
			return nil, fmt.Errorf("custody: decode %s: %w", field, err)
		}
		return keys, nil
	case FieldTimelockDuration:
		var duration uint64
		if err := rlp.DecodeBytes(raw, &duration); err != nil {
			return nil, fmt.Errorf("custody: decode %s: %w", field, err)
		}
		return duration, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
}

// ApplyFieldValue replaces the live value of field with the supplied decoded
// replacement.
func ApplyFieldValue(state *State, field Field, value interface{}) error {
	switch field {
	case FieldIntegrationAcls:
		acls, ok := value.([]IntegrationAcl)
		if !ok {
			return fmt.Errorf("custody: field %s requires []IntegrationAcl, got %T", field, value)
		}
		state.IntegrationAcls = acls
	case FieldDelegateAcls:
		acls, ok := value.([]DelegateAcl)
		if !ok {
			return fmt.Errorf("custody: field %s requires []DelegateAcl, got %T", field, value)
		}
		state.DelegateAcls = acls
	case FieldAssets:
		keys, ok := value.([]crypto.PublicKey)
		if !ok {
			return fmt.Errorf("custody: field %s requires []crypto.PublicKey, got %T", field, value)
		}
		state.Assets = keys
	case FieldBorrowable:
		keys, ok := value.([]crypto.PublicKey)
		if !ok {
			return fmt.Errorf("custody: field %s requires []crypto.PublicKey, got %T", field, value)
		}
		state.Borrowable = keys
	case FieldTimelockDuration:
		duration, ok := value.(uint64)
		if !ok {
			return fmt.Errorf("custody: field %s requires uint64, got %T", field, value)
		}
		state.TimelockDuration = duration
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return nil
}
