package policy

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"vaultctl/crypto"
)

// EntryKind discriminates the fixed-size record variants an allowlist may
// hold. Every allowlist is homogeneous: all entries share one kind.
type EntryKind uint8

const (
	// EntryKindKey is a bare 32-byte public key (token mints, markets,
	// transfer destinations on the home chain).
	EntryKindKey EntryKind = iota + 1
	// EntryKindDestination is a cross-chain destination: a 4-byte domain
	// identifier followed by a 32-byte address.
	EntryKindDestination
	// EntryKindMarket is a 2-byte market ordinal (spot or perp market
	// indexes).
	EntryKindMarket
)

// RecordSize returns the fixed encoded size of one entry of this kind.
func (k EntryKind) RecordSize() int {
	switch k {
	case EntryKindKey:
		return crypto.KeyLen
	case EntryKindDestination:
		return 4 + crypto.KeyLen
	case EntryKindMarket:
		return 2
	default:
		return 0
	}
}

func (k EntryKind) String() string {
	switch k {
	case EntryKindKey:
		return "key"
	case EntryKindDestination:
		return "destination"
	case EntryKindMarket:
		return "market"
	default:
		return "unknown"
	}
}

// Entry is one allowlist principal. The variant is tagged by Kind; the
// constructors zero the unused components so plain struct equality compares
// exactly the components the variant defines.
type Entry struct {
	Kind   EntryKind
	Key    crypto.PublicKey
	Domain uint32
	Market uint16
}

// KeyEntry wraps a bare public key principal.
func KeyEntry(key crypto.PublicKey) Entry {
	return Entry{Kind: EntryKindKey, Key: key}
}

// DestinationEntry wraps a cross-chain destination. Equality requires both
// the domain and the address to match.
func DestinationEntry(domain uint32, address crypto.PublicKey) Entry {
	return Entry{Kind: EntryKindDestination, Key: address, Domain: domain}
}

// MarketEntry wraps a market ordinal.
func MarketEntry(index uint16) Entry {
	return Entry{Kind: EntryKindMarket, Market: index}
}

func (e Entry) String() string {
	switch e.Kind {
	case EntryKindKey:
		return e.Key.String()
	case EntryKindDestination:
		return strconv.FormatUint(uint64(e.Domain), 10) + ":" + e.Key.String()
	case EntryKindMarket:
		return strconv.FormatUint(uint64(e.Market), 10)
	default:
		return "<invalid entry>"
	}
}

func (e Entry) encodeTo(buf []byte) {
	switch e.Kind {
	case EntryKindKey:
		copy(buf, e.Key[:])
	case EntryKindDestination:
		binary.LittleEndian.PutUint32(buf, e.Domain)
		copy(buf[4:], e.Key[:])
	case EntryKindMarket:
		binary.LittleEndian.PutUint16(buf, e.Market)
	}
}

func decodeEntry(kind EntryKind, buf []byte) Entry {
	entry := Entry{Kind: kind}
	switch kind {
	case EntryKindKey:
		copy(entry.Key[:], buf)
	case EntryKindDestination:
		entry.Domain = binary.LittleEndian.Uint32(buf)
		copy(entry.Key[:], buf[4:])
	case EntryKindMarket:
		entry.Market = binary.LittleEndian.Uint16(buf)
	}
	return entry
}

// ScalarField declares one protocol-specific scalar stored after the
// allowlist records. Width is 4 or 8 bytes, little-endian.
type ScalarField struct {
	Name  string
	Width uint8
}

// Schema describes the payload layout of one protocol policy: the entry
// variant, the trailing scalar fields in wire order, and whether an empty
// allowlist denies everything instead of allowing everything.
type Schema struct {
	Entry       EntryKind
	Scalars     []ScalarField
	DefaultDeny bool
}

func (s Schema) scalarSize() int {
	total := 0
	for _, field := range s.Scalars {
		total += int(field.Width)
	}
	return total
}

// ScalarIndex returns the position of the named scalar in the schema.
func (s Schema) ScalarIndex(name string) (int, bool) {
	for i, field := range s.Scalars {
		if field.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Allowlist is the decoded form of a protocol policy payload: an ordered
// unique set of entries plus the scalar values in schema order. An empty
// entry list is the unrestricted sentinel unless the protocol declares
// default-deny.
type Allowlist struct {
	Kind    EntryKind
	Entries []Entry
	Scalars []uint64
}

// NewAllowlist returns an empty allowlist of the given entry kind.
func NewAllowlist(kind EntryKind) *Allowlist {
	return &Allowlist{Kind: kind}
}

// Unrestricted reports whether the entry list is the empty sentinel.
func (a *Allowlist) Unrestricted() bool {
	return len(a.Entries) == 0
}

// Contains reports membership of the exact entry.
func (a *Allowlist) Contains(entry Entry) bool {
	for _, existing := range a.Entries {
		if existing == entry {
			return true
		}
	}
	return false
}

// Add appends the entry, failing if it is already present so callers can
// surface a precise error instead of silently no-opping.
func (a *Allowlist) Add(entry Entry) error {
	if entry.Kind != a.Kind {
		return fmt.Errorf("policy: cannot add %s entry to %s allowlist", entry.Kind, a.Kind)
	}
	if a.Contains(entry) {
		return fmt.Errorf("%w: %s", ErrPrincipalAllowed, entry)
	}
	a.Entries = append(a.Entries, entry)
	return nil
}

// Remove deletes the entry, failing if it is absent.
func (a *Allowlist) Remove(entry Entry) error {
	for i, existing := range a.Entries {
		if existing == entry {
			a.Entries = append(a.Entries[:i], a.Entries[i+1:]...)
			if len(a.Entries) == 0 {
				a.Entries = nil
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPrincipalNotAllowed, entry)
}

// Scalar returns the value of the named scalar field.
func (a *Allowlist) Scalar(schema Schema, name string) (uint64, bool) {
	idx, ok := schema.ScalarIndex(name)
	if !ok || idx >= len(a.Scalars) {
		return 0, false
	}
	return a.Scalars[idx], true
}

// SetScalar stores the value of the named scalar field, range-checking it
// against the declared width.
func (a *Allowlist) SetScalar(schema Schema, name string, value uint64) error {
	idx, ok := schema.ScalarIndex(name)
	if !ok {
		return fmt.Errorf("policy: schema has no scalar field %q", name)
	}
	if schema.Scalars[idx].Width == 4 && value > 1<<32-1 {
		return fmt.Errorf("policy: scalar %q value %d exceeds 32 bits", name, value)
	}
	for len(a.Scalars) < len(schema.Scalars) {
		a.Scalars = append(a.Scalars, 0)
	}
	a.Scalars[idx] = value
	return nil
}

// Encode serialises the allowlist into the bit-exact payload layout:
// a little-endian uint32 entry count, the fixed-size entry records, then the
// scalar fields at fixed offsets. The empty list encodes as a zero count.
func (a *Allowlist) Encode(schema Schema) ([]byte, error) {
	if a.Kind != schema.Entry {
		return nil, fmt.Errorf("policy: allowlist kind %s does not match schema kind %s", a.Kind, schema.Entry)
	}
	if len(a.Scalars) > len(schema.Scalars) {
		return nil, fmt.Errorf("policy: %d scalar values exceed schema's %d fields", len(a.Scalars), len(schema.Scalars))
	}
	recordSize := schema.Entry.RecordSize()
	if recordSize == 0 {
		return nil, fmt.Errorf("policy: schema has invalid entry kind")
	}
	buf := make([]byte, 4+len(a.Entries)*recordSize+schema.scalarSize())
	binary.LittleEndian.PutUint32(buf, uint32(len(a.Entries)))
	offset := 4
	for _, entry := range a.Entries {
		if entry.Kind != schema.Entry {
			return nil, fmt.Errorf("policy: %s entry in %s allowlist", entry.Kind, schema.Entry)
		}
		entry.encodeTo(buf[offset:])
		offset += recordSize
	}
	for i, field := range schema.Scalars {
		var value uint64
		if i < len(a.Scalars) {
			value = a.Scalars[i]
		}
		switch field.Width {
		case 4:
			if value > 1<<32-1 {
				return nil, fmt.Errorf("policy: scalar %q value %d exceeds 32 bits", field.Name, value)
			}
			binary.LittleEndian.PutUint32(buf[offset:], uint32(value))
		case 8:
			binary.LittleEndian.PutUint64(buf[offset:], value)
		default:
			return nil, fmt.Errorf("policy: scalar %q has unsupported width %d", field.Name, field.Width)
		}
		offset += int(field.Width)
	}
	return buf, nil
}

// Decode parses a payload produced by Encode. Buffers shorter than the size
// implied by their declared entry count are rejected.
func Decode(schema Schema, buf []byte) (*Allowlist, error) {
	recordSize := schema.Entry.RecordSize()
	if recordSize == 0 {
		return nil, fmt.Errorf("policy: schema has invalid entry kind")
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("policy: payload truncated: %d bytes", len(buf))
	}
	count := int(binary.LittleEndian.Uint32(buf))
	need := 4 + count*recordSize + schema.scalarSize()
	if len(buf) < need {
		return nil, fmt.Errorf("policy: payload truncated: declared %d entries need %d bytes, got %d", count, need, len(buf))
	}
	list := &Allowlist{Kind: schema.Entry}
	offset := 4
	if count > 0 {
		list.Entries = make([]Entry, count)
		for i := 0; i < count; i++ {
			list.Entries[i] = decodeEntry(schema.Entry, buf[offset:offset+recordSize])
			offset += recordSize
		}
	}
	if len(schema.Scalars) > 0 {
		list.Scalars = make([]uint64, len(schema.Scalars))
		for i, field := range schema.Scalars {
			switch field.Width {
			case 4:
				list.Scalars[i] = uint64(binary.LittleEndian.Uint32(buf[offset:]))
			case 8:
				list.Scalars[i] = binary.LittleEndian.Uint64(buf[offset:])
			default:
				return nil, fmt.Errorf("policy: scalar %q has unsupported width %d", field.Name, field.Width)
			}
			offset += int(field.Width)
		}
	}
	return list, nil
}
