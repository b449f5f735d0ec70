package policy

import (
	"fmt"
	"math/bits"

	"vaultctl/crypto"
)

// Descriptor declares one protocol of an integration program: its single-bit
// flag, display name, the closed list of permission names indexed by bit
// position, and the payload schema of its allowlist policy.
type Descriptor struct {
	Name        string
	Bitflag     uint32
	Permissions []string
	Schema      Schema
}

// PermissionName returns the name declared for the given bit index.
func (d Descriptor) PermissionName(bit uint8) (string, bool) {
	if int(bit) >= len(d.Permissions) || d.Permissions[bit] == "" {
		return "", false
	}
	return d.Permissions[bit], true
}

// PermissionMask folds the named permissions into a bitmask. Unknown names
// fail before any mask is assembled.
func (d Descriptor) PermissionMask(names []string) (uint32, error) {
	var mask uint32
	for _, name := range names {
		found := false
		for bit, declared := range d.Permissions {
			if declared == name {
				mask |= 1 << uint(bit)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: %q on protocol %s", ErrUnknownPermission, name, d.Name)
		}
	}
	return mask, nil
}

// ValidateMask fails when mask carries a bit the descriptor does not declare
// a permission for.
func (d Descriptor) ValidateMask(mask uint32) error {
	for _, ordinal := range Bits(mask) {
		if _, ok := d.PermissionName(ordinal); !ok {
			return fmt.Errorf("%w: bit %d on protocol %s", ErrUnknownPermission, ordinal, d.Name)
		}
	}
	return nil
}

// Integration groups the protocol descriptors of one integration program.
type Integration struct {
	Name      string
	Program   crypto.PublicKey
	Protocols []Descriptor
}

// Registry is the static table mapping (integration program, protocol
// bitflag) to descriptors and protocol names back to their identifiers. It is
// configuration data, never mutated at runtime, and shared by every read and
// write path so bit-to-name mapping stays consistent.
type Registry struct {
	integrations []Integration
	byProgram    map[crypto.PublicKey]int
}

// NewRegistry builds a registry from the supplied integrations. Descriptors
// must carry single-bit flags; duplicate flags within one integration are
// rejected.
func NewRegistry(integrations ...Integration) (*Registry, error) {
	registry := &Registry{
		integrations: integrations,
		byProgram:    make(map[crypto.PublicKey]int, len(integrations)),
	}
	for i, integration := range integrations {
		if _, exists := registry.byProgram[integration.Program]; exists {
			return nil, fmt.Errorf("policy: duplicate integration program %s", integration.Program)
		}
		registry.byProgram[integration.Program] = i
		var seen uint32
		for _, desc := range integration.Protocols {
			if bits.OnesCount32(desc.Bitflag) != 1 {
				return nil, fmt.Errorf("policy: protocol %s bitflag %#x is not a single bit", desc.Name, desc.Bitflag)
			}
			if seen&desc.Bitflag != 0 {
				return nil, fmt.Errorf("policy: duplicate bitflag %#x in integration %s", desc.Bitflag, integration.Name)
			}
			seen |= desc.Bitflag
		}
	}
	return registry, nil
}

// Resolve returns the descriptor for the protocol bitflag of the given
// integration program.
func (r *Registry) Resolve(program crypto.PublicKey, bitflag uint32) (Descriptor, error) {
	idx, ok := r.byProgram[program]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: integration %s", ErrUnknownProtocol, program)
	}
	for _, desc := range r.integrations[idx].Protocols {
		if desc.Bitflag == bitflag {
			return desc, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: bitflag %#x on integration %s", ErrUnknownProtocol, bitflag, r.integrations[idx].Name)
}

// ResolveByName reverse-maps a protocol display name to its integration
// program and bitflag. Protocol names are unique across the registry.
func (r *Registry) ResolveByName(name string) (crypto.PublicKey, uint32, error) {
	for _, integration := range r.integrations {
		for _, desc := range integration.Protocols {
			if desc.Name == name {
				return integration.Program, desc.Bitflag, nil
			}
		}
	}
	return crypto.PublicKey{}, 0, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
}

// IntegrationName returns the display name of the integration program.
func (r *Registry) IntegrationName(program crypto.PublicKey) (string, bool) {
	idx, ok := r.byProgram[program]
	if !ok {
		return "", false
	}
	return r.integrations[idx].Name, true
}

// Integrations returns the registered integrations in declaration order.
func (r *Registry) Integrations() []Integration {
	return r.integrations
}

func mustHexKey(s string) crypto.PublicKey {
	key, err := crypto.PublicKeyFromHex(s)
	if err != nil {
		panic(err)
	}
	return key
}

// Program identifiers of the integrations the vault ships with.
var (
	DriftProgram    = mustHexKey("d41f7a9c02b1e6530fa884cc1d6e9b25708a3ef14c5d2b8e6091c73fa5280b14")
	CCTPProgram     = mustHexKey("cc7b0d31984ae25f60c1832bd7f4a9e01b56c8d2390ef174a6b3c0851d2e9f43")
	JupiterProgram  = mustHexKey("7a9b3c51e8d20f64a1c7b9035d48e2f6091ca8b34d5e17f20c6a8d94b3e15072")
	KaminoProgram   = mustHexKey("4a81d6f2309cb5e71d4f8a26c09e3b15d782a4f60b9c1e8357d20a6c4b91f308")
	TransferProgram = mustHexKey("1f5e8c2a74d09b36e1a5c7f28409d6b3571e0af84c2d9b605183e7c2a94d0f61")
)

// Default returns the registry of the integrations supported by the vault
// program. Transfer-style destination lists are default-deny; market and
// token allowlists are default-allow when empty.
func Default() *Registry {
	registry, err := NewRegistry(
		Integration{
			Name:    "drift",
			Program: DriftProgram,
			Protocols: []Descriptor{
				{
					Name:        "drift-spot",
					Bitflag:     1 << 0,
					Permissions: []string{"deposit", "withdraw", "place-order", "cancel-order"},
					Schema:      Schema{Entry: EntryKindMarket},
				},
				{
					Name:        "drift-perps",
					Bitflag:     1 << 1,
					Permissions: []string{"deposit", "withdraw", "place-order", "cancel-order", "settle-pnl"},
					Schema: Schema{
						Entry:   EntryKindMarket,
						Scalars: []ScalarField{{Name: "maxLeverageBps", Width: 4}},
					},
				},
			},
		},
		Integration{
			Name:    "cctp",
			Program: CCTPProgram,
			Protocols: []Descriptor{
				{
					Name:        "cctp-transfer",
					Bitflag:     1 << 0,
					Permissions: []string{"initiate", "receive"},
					Schema:      Schema{Entry: EntryKindDestination, DefaultDeny: true},
				},
			},
		},
		Integration{
			Name:    "jupiter",
			Program: JupiterProgram,
			Protocols: []Descriptor{
				{
					Name:        "jupiter-swap",
					Bitflag:     1 << 0,
					Permissions: []string{"swap"},
					Schema: Schema{
						Entry:   EntryKindKey,
						Scalars: []ScalarField{{Name: "maxSlippageBps", Width: 4}},
					},
				},
			},
		},
		Integration{
			Name:    "kamino",
			Program: KaminoProgram,
			Protocols: []Descriptor{
				{
					Name:        "kamino-lend",
					Bitflag:     1 << 0,
					Permissions: []string{"deposit", "withdraw", "borrow", "repay"},
					Schema: Schema{
						Entry:   EntryKindKey,
						Scalars: []ScalarField{{Name: "minDepositAmount", Width: 8}},
					},
				},
			},
		},
		Integration{
			Name:    "transfer",
			Program: TransferProgram,
			Protocols: []Descriptor{
				{
					Name:        "transfer",
					Bitflag:     1 << 0,
					Permissions: []string{"transfer"},
					Schema:      Schema{Entry: EntryKindKey, DefaultDeny: true},
				},
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return registry
}
