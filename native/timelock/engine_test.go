package timelock

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"

	"vaultctl/crypto"
	"vaultctl/native/custody"
	"vaultctl/native/policy"

	"github.com/ethereum/go-ethereum/rlp"
)

func testKey(seed byte) crypto.PublicKey {
	var key crypto.PublicKey
	for i := range key {
		key[i] = seed
	}
	return key
}

type testClock struct {
	now int64
}

func (c *testClock) Now() time.Time { return time.Unix(c.now, 0).UTC() }

func (c *testClock) Advance(seconds int64) { c.now += seconds }

func newTestEngine(clock *testClock) *Engine {
	engine := NewEngine(policy.Default())
	engine.SetNowFunc(clock.Now)
	return engine
}

func mustEncode(t *testing.T, field custody.Field, value interface{}) []byte {
	t.Helper()
	encoded, err := custody.EncodeFieldValue(field, value)
	if err != nil {
		t.Fatalf("EncodeFieldValue(%s): %v", field, err)
	}
	return encoded
}

func TestStageStartsClockOnce(t *testing.T) {
	clock := &testClock{now: 1_700_000_000}
	engine := newTestEngine(clock)
	state := &custody.State{TimelockDuration: 3600}

	assets := []crypto.PublicKey{testKey(1), testKey(2)}
	mutation, state, err := engine.Stage(state, custody.FieldAssets, mustEncode(t, custody.FieldAssets, assets))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if mutation.Field != custody.FieldPendingUpdates {
		t.Fatalf("mutation field = %s", mutation.Field)
	}
	if state.PendingExpiresAt != 1_700_003_600 {
		t.Fatalf("expiresAt = %d", state.PendingExpiresAt)
	}

	// A later stage of a second field must not reset the clock.
	clock.Advance(10)
	_, state, err = engine.Stage(state, custody.FieldTimelockDuration, mustEncode(t, custody.FieldTimelockDuration, uint64(0)))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if state.PendingExpiresAt != 1_700_003_600 {
		t.Fatalf("expiresAt reset to %d", state.PendingExpiresAt)
	}
	if len(state.PendingUpdates) != 2 {
		t.Fatalf("pending = %d", len(state.PendingUpdates))
	}
	if got := engine.Status(state); got != StatusStaged {
		t.Fatalf("status = %s", got)
	}
}

func TestStageSameFieldLastWins(t *testing.T) {
	clock := &testClock{now: 1_700_000_000}
	engine := newTestEngine(clock)
	state := &custody.State{TimelockDuration: 3600}

	_, state, err := engine.Stage(state, custody.FieldAssets, mustEncode(t, custody.FieldAssets, []crypto.PublicKey{testKey(1)}))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	second := mustEncode(t, custody.FieldAssets, []crypto.PublicKey{testKey(2)})
	_, state, err = engine.Stage(state, custody.FieldAssets, second)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(state.PendingUpdates) != 1 {
		t.Fatalf("pending = %d, want upsert", len(state.PendingUpdates))
	}
	staged, _ := state.Staged(custody.FieldAssets)
	if !bytes.Equal(staged, second) {
		t.Fatal("last stage must win")
	}
}

func TestStageImmediateWithZeroDuration(t *testing.T) {
	clock := &testClock{now: 1_700_000_000}
	engine := newTestEngine(clock)
	state := &custody.State{}

	assets := []crypto.PublicKey{testKey(7)}
	mutation, state, err := engine.Stage(state, custody.FieldAssets, mustEncode(t, custody.FieldAssets, assets))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if mutation.Field != custody.FieldAssets {
		t.Fatalf("mutation field = %s, want direct mutation", mutation.Field)
	}
	if !reflect.DeepEqual(state.Assets, assets) {
		t.Fatalf("assets = %v", state.Assets)
	}
	if len(state.PendingUpdates) != 0 {
		t.Fatal("nothing should be staged")
	}
}

func TestStageRejectsUnknownField(t *testing.T) {
	engine := newTestEngine(&testClock{now: 1})
	state := &custody.State{TimelockDuration: 10}
	if _, _, err := engine.Stage(state, custody.Field("bogus"), []byte{0x80}); !errors.Is(err, custody.ErrUnknownField) {
		t.Fatalf("error = %v, want ErrUnknownField", err)
	}
	if _, _, err := engine.Stage(state, custody.FieldPendingUpdates, []byte{0x80}); !errors.Is(err, custody.ErrUnknownField) {
		t.Fatalf("staging the queue itself must fail, got %v", err)
	}
}

func TestApplyLifecycle(t *testing.T) {
	clock := &testClock{now: 1_700_000_000}
	engine := newTestEngine(clock)
	state := &custody.State{TimelockDuration: 3600, Assets: []crypto.PublicKey{testKey(1)}}

	assets := []crypto.PublicKey{testKey(1), testKey(2)}
	_, state, err := engine.Stage(state, custody.FieldAssets, mustEncode(t, custody.FieldAssets, assets))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if _, _, err := engine.Apply(state); !errors.Is(err, ErrTimelockNotExpired) {
		t.Fatalf("early apply error = %v, want ErrTimelockNotExpired", err)
	}

	clock.Advance(3600)
	if got := engine.Status(state); got != StatusReady {
		t.Fatalf("status = %s", got)
	}
	mutation, applied, err := engine.Apply(state)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if mutation.Field != custody.FieldApplyPending {
		t.Fatalf("mutation field = %s", mutation.Field)
	}
	if !reflect.DeepEqual(applied.Assets, assets) {
		t.Fatalf("assets = %v", applied.Assets)
	}
	if len(applied.PendingUpdates) != 0 || applied.PendingExpiresAt != 0 {
		t.Fatal("apply must clear the queue")
	}

	if _, _, err := engine.Apply(applied); !errors.Is(err, ErrNothingStaged) {
		t.Fatalf("second apply error = %v, want ErrNothingStaged", err)
	}
}

func TestCancelLeavesLiveStateUntouched(t *testing.T) {
	clock := &testClock{now: 1_700_000_000}
	engine := newTestEngine(clock)

	liveAcls := []custody.DelegateAcl{{
		Pubkey: testKey(0xaa),
		Integrations: []custody.IntegrationGrant{{
			Program:   policy.DriftProgram,
			Protocols: []custody.ProtocolGrant{{Bitflag: 1, Permissions: 0b0011}},
		}},
	}}
	before, err := rlp.EncodeToBytes(liveAcls)
	if err != nil {
		t.Fatalf("rlp: %v", err)
	}
	state := &custody.State{TimelockDuration: 3600, DelegateAcls: liveAcls}

	staged := append(custody.CloneDelegateAcls(liveAcls), custody.DelegateAcl{Pubkey: testKey(0xbb)})
	_, state, err = engine.Stage(state, custody.FieldDelegateAcls, mustEncode(t, custody.FieldDelegateAcls, staged))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	diff, err := engine.Diff(state, custody.FieldDelegateAcls)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if diff.Empty() {
		t.Fatal("expected a staged addition")
	}

	_, cancelled, err := engine.Cancel(state)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	diff, err = engine.Diff(cancelled, custody.FieldDelegateAcls)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("diff after cancel = %+v", diff)
	}
	after, err := rlp.EncodeToBytes(cancelled.DelegateAcls)
	if err != nil {
		t.Fatalf("rlp: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("live delegate ACLs changed across cancel")
	}
	if _, _, err := engine.Cancel(cancelled); !errors.Is(err, ErrNothingStaged) {
		t.Fatalf("cancel on idle error = %v, want ErrNothingStaged", err)
	}
}

func TestDiffIgnoresReordering(t *testing.T) {
	clock := &testClock{now: 1_700_000_000}
	engine := newTestEngine(clock)

	keyA, keyB := testKey(0x01), testKey(0x02)
	state := &custody.State{
		TimelockDuration: 3600,
		Assets:           []crypto.PublicKey{keyB, keyA},
	}
	_, state, err := engine.Stage(state, custody.FieldAssets, mustEncode(t, custody.FieldAssets, []crypto.PublicKey{keyA, keyB}))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	diff, err := engine.Diff(state, custody.FieldAssets)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("reordered assets must diff empty, got %+v", diff)
	}
}

func TestDiffAllowlistReordering(t *testing.T) {
	clock := &testClock{now: 1_700_000_000}
	engine := newTestEngine(clock)

	schemaProgram, bitflag, err := policy.Default().ResolveByName("jupiter-swap")
	if err != nil {
		t.Fatalf("ResolveByName: %v", err)
	}
	desc, err := policy.Default().Resolve(schemaProgram, bitflag)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	mintA, mintB := testKey(0x11), testKey(0x12)
	livePolicy := &policy.Allowlist{
		Kind:    policy.EntryKindKey,
		Entries: []policy.Entry{policy.KeyEntry(mintA), policy.KeyEntry(mintB)},
		Scalars: []uint64{100},
	}
	liveBytes, err := livePolicy.Encode(desc.Schema)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	stagedPolicy := &policy.Allowlist{
		Kind:    policy.EntryKindKey,
		Entries: []policy.Entry{policy.KeyEntry(mintB), policy.KeyEntry(mintA)},
		Scalars: []uint64{100},
	}
	stagedBytes, err := stagedPolicy.Encode(desc.Schema)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	state := &custody.State{
		TimelockDuration: 3600,
		IntegrationAcls: []custody.IntegrationAcl{{
			Program:          schemaProgram,
			ProtocolsBitmask: bitflag,
			Policies:         []custody.ProtocolPolicy{{Bitflag: bitflag, Data: liveBytes}},
		}},
	}
	stagedAcls := custody.CloneIntegrationAcls(state.IntegrationAcls)
	stagedAcls[0].Policies[0].Data = stagedBytes

	_, state, err = engine.Stage(state, custody.FieldIntegrationAcls, mustEncode(t, custody.FieldIntegrationAcls, stagedAcls))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	diff, err := engine.Diff(state, custody.FieldIntegrationAcls)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("reordered allowlist must diff empty, got %+v", diff)
	}

	// A scalar change on the same payload must register as modified.
	stagedPolicy.Scalars = []uint64{250}
	changedBytes, err := stagedPolicy.Encode(desc.Schema)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	stagedAcls[0].Policies[0].Data = changedBytes
	_, state, err = engine.Stage(state, custody.FieldIntegrationAcls, mustEncode(t, custody.FieldIntegrationAcls, stagedAcls))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	diff, err = engine.Diff(state, custody.FieldIntegrationAcls)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(diff.Modified) != 1 {
		t.Fatalf("scalar change must register, got %+v", diff)
	}
}

func TestDiffDelegateChanges(t *testing.T) {
	clock := &testClock{now: 1_700_000_000}
	engine := newTestEngine(clock)

	keep := custody.DelegateAcl{Pubkey: testKey(0x21)}
	drop := custody.DelegateAcl{Pubkey: testKey(0x22)}
	change := custody.DelegateAcl{Pubkey: testKey(0x23)}
	state := &custody.State{
		TimelockDuration: 3600,
		DelegateAcls:     []custody.DelegateAcl{keep, drop, change},
	}

	changed := custody.DelegateAcl{Pubkey: testKey(0x23), ExpiresAt: 99}
	added := custody.DelegateAcl{Pubkey: testKey(0x24)}
	staged := []custody.DelegateAcl{changed, added, keep}

	_, state, err := engine.Stage(state, custody.FieldDelegateAcls, mustEncode(t, custody.FieldDelegateAcls, staged))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	diff, err := engine.Diff(state, custody.FieldDelegateAcls)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(diff.Added) != 1 || diff.Added[0] != added.Pubkey.String() {
		t.Fatalf("added = %v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != drop.Pubkey.String() {
		t.Fatalf("removed = %v", diff.Removed)
	}
	if len(diff.Modified) != 1 || diff.Modified[0] != change.Pubkey.String() {
		t.Fatalf("modified = %v", diff.Modified)
	}
}

func TestDiffTimelockDuration(t *testing.T) {
	clock := &testClock{now: 1_700_000_000}
	engine := newTestEngine(clock)
	state := &custody.State{TimelockDuration: 3600}

	_, state, err := engine.Stage(state, custody.FieldTimelockDuration, mustEncode(t, custody.FieldTimelockDuration, uint64(0)))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	diff, err := engine.Diff(state, custody.FieldTimelockDuration)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(diff.Modified) != 1 || diff.Modified[0] != "3600 -> 0" {
		t.Fatalf("modified = %v", diff.Modified)
	}
}
