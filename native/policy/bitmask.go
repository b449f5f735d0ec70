package policy

import (
	"fmt"
	"math/bits"
	"strconv"

	"vaultctl/crypto"
)

// MaxOrdinal is the highest protocol or permission ordinal representable in a
// 32-bit mask.
const MaxOrdinal = 31

// Bit returns the single-bit mask for the given ordinal.
func Bit(ordinal uint8) (uint32, error) {
	if ordinal > MaxOrdinal {
		return 0, fmt.Errorf("policy: ordinal %d exceeds %d", ordinal, MaxOrdinal)
	}
	return 1 << ordinal, nil
}

// Bits returns the set-bit ordinals of mask in ascending order.
func Bits(mask uint32) []uint8 {
	if mask == 0 {
		return nil
	}
	ordinals := make([]uint8, 0, bits.OnesCount32(mask))
	for mask != 0 {
		ordinal := uint8(bits.TrailingZeros32(mask))
		ordinals = append(ordinals, ordinal)
		mask &^= 1 << ordinal
	}
	return ordinals
}

// ProtocolNames resolves each set bit of mask to the protocol name registered
// for the integration program. Bits without a descriptor render as the
// numeric value of their single-bit mask.
func ProtocolNames(registry *Registry, program crypto.PublicKey, mask uint32) []string {
	names := make([]string, 0, bits.OnesCount32(mask))
	for _, ordinal := range Bits(mask) {
		bitflag := uint32(1) << ordinal
		desc, err := registry.Resolve(program, bitflag)
		if err != nil {
			names = append(names, strconv.FormatUint(uint64(bitflag), 10))
			continue
		}
		names = append(names, desc.Name)
	}
	return names
}

// PermissionNames resolves each set bit of mask to the permission name the
// descriptor declares for that bit index. Undeclared bits render numerically.
func PermissionNames(desc Descriptor, mask uint32) []string {
	names := make([]string, 0, bits.OnesCount32(mask))
	for _, ordinal := range Bits(mask) {
		name, ok := desc.PermissionName(ordinal)
		if !ok {
			names = append(names, strconv.FormatUint(uint64(uint32(1)<<ordinal), 10))
			continue
		}
		names = append(names, name)
	}
	return names
}
