package timelock

import (
	"bytes"
	"fmt"
	"strconv"

	"vaultctl/crypto"
	"vaultctl/native/custody"
	"vaultctl/native/policy"
)

// Diff is the structural comparison between the live value and the staged
// value of one field. Elements are keyed by their natural identity (pubkey,
// integration program, allowlist entry), so reordering never registers as a
// change. Entries are pre-rendered for display.
type Diff struct {
	Field    custody.Field
	Added    []string
	Removed  []string
	Modified []string
}

// Empty reports whether the staged value is semantically identical to live.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Diff compares the live and staged values of one field. A field with no
// staged value diffs empty.
func (e *Engine) Diff(state *custody.State, field custody.Field) (Diff, error) {
	diff := Diff{Field: field}
	staged, ok := state.Staged(field)
	if !ok {
		return diff, nil
	}
	decoded, err := custody.DecodeFieldValue(field, staged)
	if err != nil {
		return diff, err
	}
	switch field {
	case custody.FieldDelegateAcls:
		diffDelegates(&diff, state.DelegateAcls, decoded.([]custody.DelegateAcl))
	case custody.FieldIntegrationAcls:
		e.diffIntegrations(&diff, state.IntegrationAcls, decoded.([]custody.IntegrationAcl))
	case custody.FieldAssets:
		diffKeys(&diff, state.Assets, decoded.([]crypto.PublicKey))
	case custody.FieldBorrowable:
		diffKeys(&diff, state.Borrowable, decoded.([]crypto.PublicKey))
	case custody.FieldTimelockDuration:
		next := decoded.(uint64)
		if next != state.TimelockDuration {
			diff.Modified = append(diff.Modified, fmt.Sprintf("%d -> %d", state.TimelockDuration, next))
		}
	default:
		return diff, fmt.Errorf("%w: %s", custody.ErrUnknownField, field)
	}
	return diff, nil
}

// Diffs computes the diff of every staged field, in staging order.
func (e *Engine) Diffs(state *custody.State) ([]Diff, error) {
	diffs := make([]Diff, 0, len(state.PendingUpdates))
	for _, update := range state.PendingUpdates {
		diff, err := e.Diff(state, update.Field)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, diff)
	}
	return diffs, nil
}

func diffDelegates(diff *Diff, live, staged []custody.DelegateAcl) {
	liveByKey := make(map[crypto.PublicKey]custody.DelegateAcl, len(live))
	for _, acl := range live {
		liveByKey[acl.Pubkey] = acl
	}
	stagedByKey := make(map[crypto.PublicKey]custody.DelegateAcl, len(staged))
	for _, acl := range staged {
		stagedByKey[acl.Pubkey] = acl
		if existing, ok := liveByKey[acl.Pubkey]; !ok {
			diff.Added = append(diff.Added, acl.Pubkey.String())
		} else if !equalDelegate(existing, acl) {
			diff.Modified = append(diff.Modified, acl.Pubkey.String())
		}
	}
	for _, acl := range live {
		if _, ok := stagedByKey[acl.Pubkey]; !ok {
			diff.Removed = append(diff.Removed, acl.Pubkey.String())
		}
	}
}

func (e *Engine) diffIntegrations(diff *Diff, live, staged []custody.IntegrationAcl) {
	liveByKey := make(map[crypto.PublicKey]custody.IntegrationAcl, len(live))
	for _, acl := range live {
		liveByKey[acl.Program] = acl
	}
	stagedByKey := make(map[crypto.PublicKey]custody.IntegrationAcl, len(staged))
	for _, acl := range staged {
		stagedByKey[acl.Program] = acl
		if existing, ok := liveByKey[acl.Program]; !ok {
			diff.Added = append(diff.Added, acl.Program.String())
		} else if !e.equalIntegration(existing, acl) {
			diff.Modified = append(diff.Modified, acl.Program.String())
		}
	}
	for _, acl := range live {
		if _, ok := stagedByKey[acl.Program]; !ok {
			diff.Removed = append(diff.Removed, acl.Program.String())
		}
	}
}

func diffKeys(diff *Diff, live, staged []crypto.PublicKey) {
	liveSet := make(map[crypto.PublicKey]struct{}, len(live))
	for _, key := range live {
		liveSet[key] = struct{}{}
	}
	stagedSet := make(map[crypto.PublicKey]struct{}, len(staged))
	for _, key := range staged {
		stagedSet[key] = struct{}{}
		if _, ok := liveSet[key]; !ok {
			diff.Added = append(diff.Added, key.String())
		}
	}
	for _, key := range live {
		if _, ok := stagedSet[key]; !ok {
			diff.Removed = append(diff.Removed, key.String())
		}
	}
}

// equalDelegate compares two delegate records by identity-keyed content:
// grant ordering within the record carries no meaning.
func equalDelegate(a, b custody.DelegateAcl) bool {
	if a.ExpiresAt != b.ExpiresAt {
		return false
	}
	return equalGrantMaps(grantMap(a), grantMap(b))
}

type grantKey struct {
	program crypto.PublicKey
	bitflag uint32
}

func grantMap(acl custody.DelegateAcl) map[grantKey]uint32 {
	grants := make(map[grantKey]uint32)
	for _, integration := range acl.Integrations {
		for _, protocol := range integration.Protocols {
			if protocol.Permissions == 0 {
				continue
			}
			grants[grantKey{program: integration.Program, bitflag: protocol.Bitflag}] = protocol.Permissions
		}
	}
	return grants
}

func equalGrantMaps(a, b map[grantKey]uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for key, perms := range a {
		if b[key] != perms {
			return false
		}
	}
	return true
}

// equalIntegration compares bitmask and policies. Policy payloads with a
// registry schema are compared structurally so that allowlist reordering
// never registers as a change; unknown payloads fall back to byte equality.
func (e *Engine) equalIntegration(a, b custody.IntegrationAcl) bool {
	if a.Program != b.Program || a.ProtocolsBitmask != b.ProtocolsBitmask {
		return false
	}
	if len(a.Policies) != len(b.Policies) {
		return false
	}
	for _, pa := range a.Policies {
		data, ok := b.Policy(pa.Bitflag)
		if !ok {
			return false
		}
		if !e.equalPolicy(a.Program, pa.Bitflag, pa.Data, data) {
			return false
		}
	}
	return true
}

func (e *Engine) equalPolicy(program crypto.PublicKey, bitflag uint32, a, b []byte) bool {
	desc, err := e.registry.Resolve(program, bitflag)
	if err != nil {
		return bytes.Equal(a, b)
	}
	listA, errA := policy.Decode(desc.Schema, a)
	listB, errB := policy.Decode(desc.Schema, b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	if len(listA.Entries) != len(listB.Entries) {
		return false
	}
	entries := make(map[policy.Entry]struct{}, len(listA.Entries))
	for _, entry := range listA.Entries {
		entries[entry] = struct{}{}
	}
	for _, entry := range listB.Entries {
		if _, ok := entries[entry]; !ok {
			return false
		}
	}
	for i := range desc.Schema.Scalars {
		var va, vb uint64
		if i < len(listA.Scalars) {
			va = listA.Scalars[i]
		}
		if i < len(listB.Scalars) {
			vb = listB.Scalars[i]
		}
		if va != vb {
			return false
		}
	}
	return true
}

// RenderDuration is a display helper for timelock durations.
func RenderDuration(seconds uint64) string {
	if seconds == 0 {
		return "immediate"
	}
	return strconv.FormatUint(seconds, 10) + "s"
}
