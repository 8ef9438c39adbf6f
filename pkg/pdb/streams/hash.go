package streams

import (
	"encoding/binary"
	"hash/crc32"
)

// HashStringV1 is the PDB string hash used by name maps, the /names table
// and the GSI buckets.
func HashStringV1(s string) uint32 {
	b := []byte(s)
	var result uint32

	for len(b) >= 4 {
		result ^= binary.LittleEndian.Uint32(b)
		b = b[4:]
	}
	if len(b) >= 2 {
		result ^= uint32(binary.LittleEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		result ^= uint32(b[0])
	}

	const toLowerMask = 0x20202020
	result |= toLowerMask
	result ^= result >> 11
	return result ^ (result >> 16)
}

// jamCRC is CRC-32 started from zero without the final inversion.
func jamCRC(data []byte) uint32 {
	return ^crc32.Update(0xFFFFFFFF, crc32.IEEETable, data)
}

// Class options relevant to type record hashing.
const (
	classOptForwardRef    = 0x0080
	classOptScoped        = 0x0100
	classOptHasUniqueName = 0x0200
)

// HashTypeRecord returns the TPI hash of a complete type record (length
// prefix included). Complete UDTs hash by name so that forward references
// can be resolved; everything else hashes the record bytes.
func HashTypeRecord(record []byte) uint32 {
	if len(record) < 4 {
		return jamCRC(record)
	}
	kind := binary.LittleEndian.Uint16(record[2:])
	payload := record[4:]

	var (
		opts   uint16
		nameAt int
	)
	switch kind {
	case LF_CLASS, LF_STRUCTURE, LF_INTERFACE:
		// count, options, field list, derived, vshape, size, name
		if len(payload) < 16 {
			return jamCRC(record)
		}
		opts = binary.LittleEndian.Uint16(payload[2:])
		_, n := ParseNumeric(payload[16:])
		if n == 0 {
			return jamCRC(record)
		}
		nameAt = 16 + n
	case LF_UNION:
		// count, options, field list, size, name
		if len(payload) < 8 {
			return jamCRC(record)
		}
		opts = binary.LittleEndian.Uint16(payload[2:])
		_, n := ParseNumeric(payload[8:])
		if n == 0 {
			return jamCRC(record)
		}
		nameAt = 8 + n
	case LF_ENUM:
		// count, options, underlying type, field list, name
		if len(payload) < 12 {
			return jamCRC(record)
		}
		opts = binary.LittleEndian.Uint16(payload[2:])
		nameAt = 12
	default:
		return jamCRC(record)
	}
	if nameAt > len(payload) {
		return jamCRC(record)
	}

	name, n := ParseString(payload[nameAt:])
	uniqueName, _ := ParseString(payload[nameAt+n:])

	forwardRef := opts&classOptForwardRef != 0
	scoped := opts&classOptScoped != 0
	hasUniqueName := opts&classOptHasUniqueName != 0
	anonymous := hasUniqueName && isAnonymousName(name)

	switch {
	case !forwardRef && !scoped && !anonymous:
		return HashStringV1(name)
	case !forwardRef && hasUniqueName && !anonymous:
		return HashStringV1(uniqueName)
	default:
		return jamCRC(record)
	}
}

func isAnonymousName(name string) bool {
	switch name {
	case "<unnamed-tag>", "__unnamed":
		return true
	}
	for _, suffix := range []string{"::<unnamed-tag>", "::__unnamed"} {
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}
