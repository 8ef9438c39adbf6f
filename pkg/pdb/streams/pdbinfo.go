// Package streams provides parsers and builders for the various PDB streams.
package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// PDB Stream versions
const (
	PDBStreamVersionVC2     = 19941610
	PDBStreamVersionVC4     = 19950623
	PDBStreamVersionVC41    = 19950814
	PDBStreamVersionVC50    = 19960307
	PDBStreamVersionVC98    = 19970604
	PDBStreamVersionVC70Dep = 19990604
	PDBStreamVersionVC70    = 20000404
	PDBStreamVersionVC80    = 20030901
	PDBStreamVersionVC110   = 20091201
	PDBStreamVersionVC140   = 20140508
)

// Feature signatures that may trail the named stream map.
const (
	FeatureVC110            = 20091201
	FeatureVC140            = 20140508
	FeatureNoTypeMerge      = 0x4D544F4E // "NOTM"
	FeatureMinimalDebugInfo = 0x494E494D // "MINI"
)

// GUID is a PDB GUID in its on-disk (Windows) byte order.
type GUID [16]byte

// GUIDFromUUID converts an RFC 4122 UUID into the Windows layout, where the
// first three fields are little-endian.
func GUIDFromUUID(u uuid.UUID) GUID {
	var g GUID
	binary.LittleEndian.PutUint32(g[0:], binary.BigEndian.Uint32(u[0:]))
	binary.LittleEndian.PutUint16(g[4:], binary.BigEndian.Uint16(u[4:]))
	binary.LittleEndian.PutUint16(g[6:], binary.BigEndian.Uint16(u[6:]))
	copy(g[8:], u[8:])
	return g
}

// UUID returns g in RFC 4122 byte order.
func (g GUID) UUID() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:], binary.LittleEndian.Uint32(g[0:]))
	binary.BigEndian.PutUint16(u[4:], binary.LittleEndian.Uint16(g[4:]))
	binary.BigEndian.PutUint16(u[6:], binary.LittleEndian.Uint16(g[6:]))
	copy(u[8:], g[8:])
	return u
}

// String formats g the way debuggers print it.
func (g GUID) String() string {
	return "{" + strings.ToUpper(g.UUID().String()) + "}"
}

// ParseGUID parses any UUID spelling accepted by google/uuid, braces
// included.
func ParseGUID(s string) (GUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, errors.Wrapf(err, "invalid GUID %q", s)
	}
	return GUIDFromUUID(u), nil
}

// HashToGUID derives a GUID from content so that identical inputs always
// produce the same identity.
func HashToGUID(chunks ...[]byte) GUID {
	d := xxhash.New()
	for _, c := range chunks {
		_, _ = d.Write(c)
	}
	var g GUID
	lo := d.Sum64()
	binary.LittleEndian.PutUint64(g[0:], lo)
	_, _ = d.Write(g[0:8])
	binary.LittleEndian.PutUint64(g[8:], d.Sum64())
	return g
}

// PDBInfo represents the PDB Info Stream (Stream 1).
type PDBInfo struct {
	Version      uint32
	Signature    uint32            // Timestamp of PDB creation
	Age          uint32            // Number of times PDB has been written
	GUID         GUID              // Unique identifier
	NamedStreams map[string]uint32 // Map of named streams to stream indices
	Features     []uint32
}

// PDBInfoHeader is the fixed header at the start of the PDB info stream.
type PDBInfoHeader struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      GUID
}

// ReadPDBInfo parses the PDB info stream. Files written by old toolchains
// may end after the header or the name map; whatever is present is returned.
func ReadPDBInfo(r io.Reader) (*PDBInfo, error) {
	var header PDBInfoHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read PDB info header")
	}

	info := &PDBInfo{
		Version:      header.Version,
		Signature:    header.Signature,
		Age:          header.Age,
		GUID:         header.GUID,
		NamedStreams: make(map[string]uint32),
	}

	names, err := readNamedStreamMap(r)
	if err != nil {
		return info, nil
	}
	info.NamedStreams = names

	// niMac, always zero in files we care about.
	var niMac uint32
	if err := binary.Read(r, binary.LittleEndian, &niMac); err != nil {
		return info, nil
	}

	for {
		var sig uint32
		if err := binary.Read(r, binary.LittleEndian, &sig); err != nil {
			break
		}
		info.Features = append(info.Features, sig)
	}

	return info, nil
}

// GUIDString returns the GUID the way symbol servers key it.
func (p *PDBInfo) GUIDString() string {
	return fmt.Sprintf("%08X%04X%04X%02X%02X%02X%02X%02X%02X%02X%02X",
		binary.LittleEndian.Uint32(p.GUID[0:4]),
		binary.LittleEndian.Uint16(p.GUID[4:6]),
		binary.LittleEndian.Uint16(p.GUID[6:8]),
		p.GUID[8], p.GUID[9], p.GUID[10], p.GUID[11],
		p.GUID[12], p.GUID[13], p.GUID[14], p.GUID[15])
}

// HasFeature reports whether sig is among the trailing feature signatures.
func (p *PDBInfo) HasFeature(sig uint32) bool {
	for _, f := range p.Features {
		if f == sig {
			return true
		}
	}
	return false
}

// InfoBuilder builds the PDB info stream.
type InfoBuilder struct {
	version     uint32
	signature   uint32
	age         uint32
	guid        GUID
	hashToGUID  bool
	features    []uint32
	namedStream *NamedStreamMap
}

// NewInfoBuilder returns a builder for a VC70 info stream with age 1.
func NewInfoBuilder() *InfoBuilder {
	return &InfoBuilder{
		version:     PDBStreamVersionVC70,
		age:         1,
		namedStream: NewNamedStreamMap(),
	}
}

func (b *InfoBuilder) SetVersion(v uint32)     { b.version = v }
func (b *InfoBuilder) SetSignature(sig uint32) { b.signature = sig }
func (b *InfoBuilder) SetAge(age uint32)       { b.age = age }
func (b *InfoBuilder) SetGUID(g GUID)          { b.guid = g }

// SetHashPDBContentsToGUID makes the GUID and signature a hash of the
// other streams, computed at commit time.
func (b *InfoBuilder) SetHashPDBContentsToGUID(v bool) { b.hashToGUID = v }

// HashPDBContentsToGUID reports whether the GUID is derived at commit time.
func (b *InfoBuilder) HashPDBContentsToGUID() bool { return b.hashToGUID }

// GUID returns the GUID that will be written.
func (b *InfoBuilder) GUID() GUID { return b.guid }

// Age returns the age that will be written.
func (b *InfoBuilder) Age() uint32 { return b.age }

// AddFeature appends a feature signature if it is not already present.
func (b *InfoBuilder) AddFeature(sig uint32) {
	for _, f := range b.features {
		if f == sig {
			return
		}
	}
	b.features = append(b.features, sig)
}

// NamedStreams returns the map written after the header.
func (b *InfoBuilder) NamedStreams() *NamedStreamMap {
	return b.namedStream
}

// Bytes serializes the info stream.
func (b *InfoBuilder) Bytes() ([]byte, error) {
	if len(b.features) == 0 {
		return nil, errors.New("info stream needs at least one feature signature")
	}

	var buf bytes.Buffer
	header := PDBInfoHeader{
		Version:   b.version,
		Signature: b.signature,
		Age:       b.age,
		GUID:      b.guid,
	}
	if err := binary.Write(&buf, binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to write PDB info header")
	}
	b.namedStream.writeTo(&buf)
	writeUint32(&buf, 0)
	for _, f := range b.features {
		writeUint32(&buf, f)
	}
	return buf.Bytes(), nil
}

// isBitSet checks if bit n is set in the bit vector.
func isBitSet(words []uint32, n uint32) bool {
	wordIdx := n / 32
	bitIdx := n % 32
	if wordIdx >= uint32(len(words)) {
		return false
	}
	return (words[wordIdx] & (1 << bitIdx)) != 0
}

// extractCString extracts a null-terminated string from bytes.
func extractCString(data []byte) string {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return string(data)
	}
	return string(data[:idx])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}
