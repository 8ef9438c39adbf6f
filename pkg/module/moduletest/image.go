// Package moduletest builds minimal PE32+ images in memory for tests.
package moduletest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
)

const (
	fileAlignment    = 0x200
	sectionAlignment = 0x1000
	headersSize      = 0x400
	peHeaderOffset   = 0x40
)

// Section describes one section of the image. Its raw data is zero filled.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Characteristics uint32
}

// CodeView describes an RSDS debug record.
type CodeView struct {
	GUID          [16]byte
	Age           uint32
	Path          string
	TimeDateStamp uint32
}

// Image describes the image to build. When any debug entry is requested a
// ".rdata" section holding the debug directory is appended after Sections.
type Image struct {
	Machine         uint16 // defaults to AMD64
	TimeDateStamp   uint32
	ImageBase       uint64
	Sections        []Section
	DebugTimestamps []uint32 // one non-CodeView entry each
	CodeView        *CodeView
}

type debugEntry struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

func align(n, a uint32) uint32 {
	return (n + a - 1) &^ (a - 1)
}

// Build serializes img.
func (img Image) Build() []byte {
	machine := img.Machine
	if machine == 0 {
		machine = pe.IMAGE_FILE_MACHINE_AMD64
	}

	sections := make([]pe.SectionHeader32, 0, len(img.Sections)+1)
	fileOff := uint32(headersSize)
	nextVA := uint32(sectionAlignment)
	for _, s := range img.Sections {
		var hdr pe.SectionHeader32
		copy(hdr.Name[:], s.Name)
		hdr.VirtualAddress = s.VirtualAddress
		hdr.VirtualSize = s.VirtualSize
		hdr.SizeOfRawData = align(s.VirtualSize, fileAlignment)
		hdr.PointerToRawData = fileOff
		hdr.Characteristics = s.Characteristics
		fileOff += hdr.SizeOfRawData
		if end := align(s.VirtualAddress+s.VirtualSize, sectionAlignment); end > nextVA {
			nextVA = end
		}
		sections = append(sections, hdr)
	}

	var debugDir pe.DataDirectory
	var debugData []byte
	numEntries := len(img.DebugTimestamps)
	if img.CodeView != nil {
		numEntries++
	}
	if numEntries > 0 {
		var hdr pe.SectionHeader32
		copy(hdr.Name[:], ".rdata")
		hdr.VirtualAddress = nextVA
		hdr.PointerToRawData = fileOff
		hdr.Characteristics = 0x40000040 // initialized data, readable

		dirSize := uint32(numEntries * binary.Size(debugEntry{}))
		entries := make([]debugEntry, 0, numEntries)
		for _, ts := range img.DebugTimestamps {
			entries = append(entries, debugEntry{TimeDateStamp: ts, Type: 13})
		}
		var rsds bytes.Buffer
		if cv := img.CodeView; cv != nil {
			_ = binary.Write(&rsds, binary.LittleEndian, uint32(0x53445352))
			rsds.Write(cv.GUID[:])
			_ = binary.Write(&rsds, binary.LittleEndian, cv.Age)
			rsds.WriteString(cv.Path)
			rsds.WriteByte(0)
			rsdsOff := align(dirSize, 16)
			entries = append(entries, debugEntry{
				TimeDateStamp:    cv.TimeDateStamp,
				Type:             2,
				SizeOfData:       uint32(rsds.Len()),
				AddressOfRawData: hdr.VirtualAddress + rsdsOff,
				PointerToRawData: hdr.PointerToRawData + rsdsOff,
			})
		}

		var buf bytes.Buffer
		_ = binary.Write(&buf, binary.LittleEndian, entries)
		buf.Write(make([]byte, align(dirSize, 16)-dirSize))
		buf.Write(rsds.Bytes())
		debugData = buf.Bytes()

		hdr.VirtualSize = uint32(len(debugData))
		hdr.SizeOfRawData = align(hdr.VirtualSize, fileAlignment)
		fileOff += hdr.SizeOfRawData
		nextVA = align(hdr.VirtualAddress+hdr.VirtualSize, sectionAlignment)
		sections = append(sections, hdr)

		debugDir = pe.DataDirectory{VirtualAddress: hdr.VirtualAddress, Size: dirSize}
	}

	opt := pe.OptionalHeader64{
		Magic:                 0x20b,
		ImageBase:             img.ImageBase,
		SectionAlignment:      sectionAlignment,
		FileAlignment:         fileAlignment,
		MajorSubsystemVersion: 6,
		SizeOfImage:           nextVA,
		SizeOfHeaders:         headersSize,
		Subsystem:             pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		NumberOfRvaAndSizes:   16,
	}
	opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG] = debugDir

	fh := pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     uint16(len(sections)),
		TimeDateStamp:        img.TimeDateStamp,
		SizeOfOptionalHeader: uint16(binary.Size(opt)),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	}

	out := make([]byte, fileOff)
	out[0], out[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(out[0x3c:], peHeaderOffset)

	var hdrs bytes.Buffer
	hdrs.WriteString("PE\x00\x00")
	_ = binary.Write(&hdrs, binary.LittleEndian, &fh)
	_ = binary.Write(&hdrs, binary.LittleEndian, &opt)
	_ = binary.Write(&hdrs, binary.LittleEndian, sections)
	copy(out[peHeaderOffset:], hdrs.Bytes())

	if debugData != nil {
		copy(out[sections[len(sections)-1].PointerToRawData:], debugData)
	}
	return out
}
