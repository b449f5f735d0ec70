package custody

import (
	"errors"
	"reflect"
	"testing"

	"vaultctl/crypto"
)

func testKey(seed byte) crypto.PublicKey {
	var key crypto.PublicKey
	for i := range key {
		key[i] = seed
	}
	return key
}

func TestFieldValueRoundTrip(t *testing.T) {
	acls := []DelegateAcl{{
		Pubkey:    testKey(1),
		ExpiresAt: 42,
		Integrations: []IntegrationGrant{{
			Program:   testKey(2),
			Protocols: []ProtocolGrant{{Bitflag: 1, Permissions: 0b0110}},
		}},
	}}
	encoded, err := EncodeFieldValue(FieldDelegateAcls, acls)
	if err != nil {
		t.Fatalf("EncodeFieldValue: %v", err)
	}
	decoded, err := DecodeFieldValue(FieldDelegateAcls, encoded)
	if err != nil {
		t.Fatalf("DecodeFieldValue: %v", err)
	}
	if !reflect.DeepEqual(decoded, acls) {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestEncodeFieldValueTypeMismatch(t *testing.T) {
	if _, err := EncodeFieldValue(FieldAssets, uint64(7)); err == nil {
		t.Fatal("expected type mismatch error")
	}
	if _, err := EncodeFieldValue(Field("bogus"), uint64(7)); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("error = %v, want ErrUnknownField", err)
	}
	if _, err := DecodeFieldValue(Field("bogus"), []byte{0x80}); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("error = %v, want ErrUnknownField", err)
	}
}

func TestApplyFieldValue(t *testing.T) {
	state := &State{}
	if err := ApplyFieldValue(state, FieldTimelockDuration, uint64(900)); err != nil {
		t.Fatalf("ApplyFieldValue: %v", err)
	}
	if state.TimelockDuration != 900 {
		t.Fatalf("duration = %d", state.TimelockDuration)
	}
	keys := []crypto.PublicKey{testKey(3)}
	if err := ApplyFieldValue(state, FieldBorrowable, keys); err != nil {
		t.Fatalf("ApplyFieldValue: %v", err)
	}
	if !reflect.DeepEqual(state.Borrowable, keys) {
		t.Fatalf("borrowable = %v", state.Borrowable)
	}
	if err := ApplyFieldValue(state, FieldAssets, "nope"); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestStageableFields(t *testing.T) {
	for _, field := range StageableFields() {
		if !Stageable(field) {
			t.Fatalf("%s should be stageable", field)
		}
	}
	if Stageable(FieldPendingUpdates) || Stageable(FieldApplyPending) {
		t.Fatal("staging control fields must not be stageable")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	state := &State{
		IntegrationAcls: []IntegrationAcl{{
			Program:          testKey(1),
			ProtocolsBitmask: 1,
			Policies:         []ProtocolPolicy{{Bitflag: 1, Data: []byte{1, 2, 3}}},
		}},
		DelegateAcls: []DelegateAcl{{
			Pubkey: testKey(2),
			Integrations: []IntegrationGrant{{
				Program:   testKey(1),
				Protocols: []ProtocolGrant{{Bitflag: 1, Permissions: 1}},
			}},
		}},
		Assets:         []crypto.PublicKey{testKey(3)},
		PendingUpdates: []PendingUpdate{{Field: FieldAssets, Value: []byte{0xc0}}},
	}
	clone := state.Clone()
	clone.IntegrationAcls[0].Policies[0].Data[0] = 9
	clone.DelegateAcls[0].Integrations[0].Protocols[0].Permissions = 9
	clone.Assets[0] = testKey(9)
	clone.PendingUpdates[0].Value[0] = 9

	if state.IntegrationAcls[0].Policies[0].Data[0] != 1 {
		t.Fatal("policy payload aliased")
	}
	if state.DelegateAcls[0].Integrations[0].Protocols[0].Permissions != 1 {
		t.Fatal("delegate grants aliased")
	}
	if state.Assets[0] != testKey(3) {
		t.Fatal("assets aliased")
	}
	if state.PendingUpdates[0].Value[0] != 0xc0 {
		t.Fatal("pending updates aliased")
	}
}

func TestSetPolicyUpsertsAndEnables(t *testing.T) {
	acl := &IntegrationAcl{Program: testKey(1)}
	acl.SetPolicy(1<<2, []byte{1})
	acl.SetPolicy(1<<2, []byte{2})
	if len(acl.Policies) != 1 {
		t.Fatalf("policies = %d, want upsert", len(acl.Policies))
	}
	if acl.ProtocolsBitmask != 1<<2 {
		t.Fatalf("bitmask = %#b", acl.ProtocolsBitmask)
	}
	data, ok := acl.Policy(1 << 2)
	if !ok || data[0] != 2 {
		t.Fatalf("policy = %v, %v", data, ok)
	}
}
