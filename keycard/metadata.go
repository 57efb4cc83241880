package keycard

import (
	"fmt"
	"sort"

	"github.com/status-keycard/keycard-go/apdu"
)

// metadataVersion is the top three bits of the metadata header byte:
// 0x20 = version 1 << 5.
const metadataVersion = 0x20
const maxNameLen = 20

// Metadata is the decoded form of the public-slot NDEF blob: a wallet
// name plus the set of wallet-path last-components (indices) currently
// in use under the wallet-root prefix.
type Metadata struct {
	Name    string
	Indexes []uint32
}

// EncodeMetadata builds the on-card blob: header byte 0x20|name_len,
// the UTF-8 name, then LEB128 (start, count) run pairs over the sorted,
// deduplicated indices. Each pair expands to start, start+1, ...,
// start+count, so a lone index is encoded with count=0.
func EncodeMetadata(m Metadata) ([]byte, error) {
	nameBytes := []byte(m.Name)
	if len(nameBytes) > maxNameLen {
		return nil, fmt.Errorf("keycard: metadata name too long (%d > %d bytes)", len(nameBytes), maxNameLen)
	}

	out := make([]byte, 0, 1+len(nameBytes)+len(m.Indexes)*2)
	out = append(out, metadataVersion|byte(len(nameBytes)))
	out = append(out, nameBytes...)

	for _, run := range runEncode(m.Indexes) {
		out = apdu.AppendUvarint(out, run.start)
		out = apdu.AppendUvarint(out, run.count)
	}
	return out, nil
}

// DecodeMetadata parses a blob produced by EncodeMetadata, or by the
// card's own NDEF writer. An empty slot (no bytes) decodes to an empty
// Metadata rather than an error.
func DecodeMetadata(data []byte) (Metadata, error) {
	if len(data) == 0 {
		return Metadata{}, nil
	}
	header := data[0]
	if header&0xE0 != metadataVersion {
		return Metadata{}, fmt.Errorf("keycard: unsupported metadata version byte 0x%02x", header)
	}
	nameLen := int(header & 0x1F)
	if 1+nameLen > len(data) {
		return Metadata{}, fmt.Errorf("keycard: metadata truncated before end of name")
	}
	name := string(data[1 : 1+nameLen])
	rest := data[1+nameLen:]

	var indexes []uint32
	for len(rest) > 0 {
		start, next, err := apdu.ReadUvarint(rest)
		if err != nil {
			return Metadata{}, fmt.Errorf("keycard: metadata run start: %w", err)
		}
		rest = next
		count, next2, err := apdu.ReadUvarint(rest)
		if err != nil {
			return Metadata{}, fmt.Errorf("keycard: metadata run count: %w", err)
		}
		rest = next2
		for i := uint32(0); i <= count; i++ {
			indexes = append(indexes, start+i)
		}
	}
	return Metadata{Name: name, Indexes: indexes}, nil
}

// indexRun's count is the wire-format run length: (start, count) expands
// to start, start+1, ..., start+count, so a single index has count=0.
type indexRun struct {
	start uint32
	count uint32
}

// runEncode sorts and deduplicates indices, then collapses consecutive
// runs into wire-format (start, count) pairs.
func runEncode(indexes []uint32) []indexRun {
	if len(indexes) == 0 {
		return nil
	}
	sorted := append([]uint32(nil), indexes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var runs []indexRun
	start := sorted[0]
	prev := sorted[0]
	count := uint32(0)
	for _, v := range sorted[1:] {
		if v == prev {
			continue // de-duplicate
		}
		if v == prev+1 {
			count++
			prev = v
			continue
		}
		runs = append(runs, indexRun{start: start, count: count})
		start, prev, count = v, v, 0
	}
	runs = append(runs, indexRun{start: start, count: count})
	return runs
}

// PathIndex extracts the last component of a derivation path, the value
// stored in on-card metadata.
func PathIndex(path []uint32) (uint32, error) {
	if len(path) == 0 {
		return 0, fmt.Errorf("keycard: empty derivation path")
	}
	return path[len(path)-1], nil
}

// WalletPathFor reconstructs "m/44'/60'/0'/0/<index>" for a metadata
// entry.
func WalletPathFor(index uint32) []uint32 {
	return WalletPathAt(index)
}

// IsWalletRootPrefixed reports whether path is WalletRootPath followed by
// exactly one more component, the validity rule every stored metadata
// path must satisfy.
func IsWalletRootPrefixed(path []uint32) bool {
	if len(path) != len(WalletRootPath)+1 {
		return false
	}
	for i, v := range WalletRootPath {
		if path[i] != v {
			return false
		}
	}
	return true
}
