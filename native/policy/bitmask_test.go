package policy

import (
	"reflect"
	"testing"
)

func TestBitOrdinalRange(t *testing.T) {
	mask, err := Bit(31)
	if err != nil {
		t.Fatalf("Bit(31): %v", err)
	}
	if mask != 1<<31 {
		t.Fatalf("Bit(31) = %#x", mask)
	}
	if _, err := Bit(32); err == nil {
		t.Fatal("expected error for ordinal 32")
	}
}

func TestBitsRoundTrip(t *testing.T) {
	cases := []struct {
		i, j uint8
	}{
		{0, 1},
		{3, 17},
		{0, 31},
		{5, 6},
	}
	for _, tc := range cases {
		bi, _ := Bit(tc.i)
		bj, _ := Bit(tc.j)
		got := Bits(bi | bj)
		want := []uint8{tc.i, tc.j}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Bits(%#x) = %v, want %v", bi|bj, got, want)
		}
	}
	if Bits(0) != nil {
		t.Fatal("Bits(0) should be nil")
	}
}

func TestProtocolNames(t *testing.T) {
	registry := Default()
	names := ProtocolNames(registry, DriftProgram, 0b11)
	want := []string{"drift-spot", "drift-perps"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("ProtocolNames = %v, want %v", names, want)
	}
	// Bits without a descriptor render numerically.
	names = ProtocolNames(registry, DriftProgram, 0b101)
	want = []string{"drift-spot", "4"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("ProtocolNames = %v, want %v", names, want)
	}
}

func TestPermissionNames(t *testing.T) {
	registry := Default()
	desc, err := registry.Resolve(DriftProgram, 1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	names := PermissionNames(desc, 0b0101)
	want := []string{"deposit", "place-order"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("PermissionNames = %v, want %v", names, want)
	}
}
