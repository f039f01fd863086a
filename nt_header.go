package pe

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

type NtHeader struct {
	Signature      uint32
	FileHeader     FileHeader
	OptionalHeader any // of type *OptionalHeader32 or *OptionalHeader64
}

type FileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type OptionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [NumDataDirectories]DataDirectory
}

type OptionalHeader64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [NumDataDirectories]DataDirectory
}

func (f *File) readNTHeader() (err error) {
	if _, err := f.sr.Seek(int64(f.DOSHeader.AddressOfNewEXEHeader), io.SeekStart); err != nil {
		return errors.Wrap(ErrTruncated, "seeking to NT header")
	}

	if err := binary.Read(f.sr, binary.LittleEndian, &f.Signature); err != nil {
		return errors.Wrap(ErrTruncated, "reading NT signature")
	}

	if f.Signature != ImageNTHeaderSignature {
		return errors.Wrap(ErrNotPE, "bad NT signature")
	}

	if err := binary.Read(f.sr, binary.LittleEndian, &f.FileHeader); err != nil {
		return errors.Wrap(ErrTruncated, "reading file header")
	}

	f.OptionalHeader, err = f.readOptionalHeader(f.sr)
	return err
}

// readOptionalHeader decodes the PE32 or PE32+ optional header along with its
// data-directory array. As a side effect it records where the CheckSum field
// and the SECURITY directory slot live on the stream; the hash planner must
// exclude both.
func (f *File) readOptionalHeader(r io.ReadSeeker) (any, error) {
	optionalHeaderOffset := uint64(f.DOSHeader.AddressOfNewEXEHeader) + 4 + FileHeaderSize

	var ohMagic uint16
	if f.FileHeader.SizeOfOptionalHeader < uint16(binary.Size(ohMagic)) {
		return nil, errors.Wrap(ErrUnsupportedOptionalHeader,
			"optional header size is less than optional header magic size")
	}

	var err error
	read := func(data any) bool {
		err = binary.Read(r, binary.LittleEndian, data)
		return err == nil
	}

	if !read(&ohMagic) {
		return nil, errors.Wrap(ErrTruncated, "reading optional header magic")
	}

	f.checkSumRange = StreamRange{Position: optionalHeaderOffset + checkSumFieldOffset, Size: 4}

	switch ohMagic {
	case ImageNTOptionalHeader32Magic:
		if f.FileHeader.SizeOfOptionalHeader < OptionalHeader32MinSize {
			return nil, errors.Wrapf(ErrUnsupportedOptionalHeader,
				"optional header size(%d) is less than minimum size(%d) of PE32 optional header",
				f.FileHeader.SizeOfOptionalHeader, OptionalHeader32MinSize)
		}

		var oh32 OptionalHeader32
		oh32.Magic = ohMagic
		if !read(&oh32.MajorLinkerVersion) ||
			!read(&oh32.MinorLinkerVersion) ||
			!read(&oh32.SizeOfCode) ||
			!read(&oh32.SizeOfInitializedData) ||
			!read(&oh32.SizeOfUninitializedData) ||
			!read(&oh32.AddressOfEntryPoint) ||
			!read(&oh32.BaseOfCode) ||
			!read(&oh32.BaseOfData) ||
			!read(&oh32.ImageBase) ||
			!read(&oh32.SectionAlignment) ||
			!read(&oh32.FileAlignment) ||
			!read(&oh32.MajorOperatingSystemVersion) ||
			!read(&oh32.MinorOperatingSystemVersion) ||
			!read(&oh32.MajorImageVersion) ||
			!read(&oh32.MinorImageVersion) ||
			!read(&oh32.MajorSubsystemVersion) ||
			!read(&oh32.MinorSubsystemVersion) ||
			!read(&oh32.Win32VersionValue) ||
			!read(&oh32.SizeOfImage) ||
			!read(&oh32.SizeOfHeaders) ||
			!read(&oh32.CheckSum) ||
			!read(&oh32.Subsystem) ||
			!read(&oh32.DllCharacteristics) ||
			!read(&oh32.SizeOfStackReserve) ||
			!read(&oh32.SizeOfStackCommit) ||
			!read(&oh32.SizeOfHeapReserve) ||
			!read(&oh32.SizeOfHeapCommit) ||
			!read(&oh32.LoaderFlags) ||
			!read(&oh32.NumberOfRvaAndSizes) {
			return nil, errors.Wrap(ErrTruncated, "reading PE32 optional header")
		}

		directoryOffset := optionalHeaderOffset + OptionalHeader32MinSize
		f.securityDirRange = StreamRange{
			Position: directoryOffset + ImageDirectoryEntrySecurity*DataDirectorySize,
			Size:     DataDirectorySize,
		}

		if err := readDataDirectories(r, oh32.NumberOfRvaAndSizes, oh32.DataDirectory[:]); err != nil {
			return nil, err
		}
		f.Is32 = true
		return &oh32, nil

	case ImageNTOptionalHeader64Magic:
		if f.FileHeader.SizeOfOptionalHeader < OptionalHeader64MinSize {
			return nil, errors.Wrapf(ErrUnsupportedOptionalHeader,
				"optional header size(%d) is less than minimum size(%d) of PE32+ optional header",
				f.FileHeader.SizeOfOptionalHeader, OptionalHeader64MinSize)
		}

		var oh64 OptionalHeader64
		oh64.Magic = ohMagic
		if !read(&oh64.MajorLinkerVersion) ||
			!read(&oh64.MinorLinkerVersion) ||
			!read(&oh64.SizeOfCode) ||
			!read(&oh64.SizeOfInitializedData) ||
			!read(&oh64.SizeOfUninitializedData) ||
			!read(&oh64.AddressOfEntryPoint) ||
			!read(&oh64.BaseOfCode) ||
			!read(&oh64.ImageBase) ||
			!read(&oh64.SectionAlignment) ||
			!read(&oh64.FileAlignment) ||
			!read(&oh64.MajorOperatingSystemVersion) ||
			!read(&oh64.MinorOperatingSystemVersion) ||
			!read(&oh64.MajorImageVersion) ||
			!read(&oh64.MinorImageVersion) ||
			!read(&oh64.MajorSubsystemVersion) ||
			!read(&oh64.MinorSubsystemVersion) ||
			!read(&oh64.Win32VersionValue) ||
			!read(&oh64.SizeOfImage) ||
			!read(&oh64.SizeOfHeaders) ||
			!read(&oh64.CheckSum) ||
			!read(&oh64.Subsystem) ||
			!read(&oh64.DllCharacteristics) ||
			!read(&oh64.SizeOfStackReserve) ||
			!read(&oh64.SizeOfStackCommit) ||
			!read(&oh64.SizeOfHeapReserve) ||
			!read(&oh64.SizeOfHeapCommit) ||
			!read(&oh64.LoaderFlags) ||
			!read(&oh64.NumberOfRvaAndSizes) {
			return nil, errors.Wrap(ErrTruncated, "reading PE32+ optional header")
		}

		directoryOffset := optionalHeaderOffset + OptionalHeader64MinSize
		f.securityDirRange = StreamRange{
			Position: directoryOffset + ImageDirectoryEntrySecurity*DataDirectorySize,
			Size:     DataDirectorySize,
		}

		if err := readDataDirectories(r, oh64.NumberOfRvaAndSizes, oh64.DataDirectory[:]); err != nil {
			return nil, err
		}
		f.Is64 = true
		return &oh64, nil

	default:
		return nil, errors.Wrapf(ErrUnsupportedOptionalHeader,
			"optional header has unexpected Magic of 0x%x", ohMagic)
	}
}

// readDataDirectories fills dst with min(declared, 16) entries from the
// stream. A malformed image declaring fewer than 16 still gets a full array:
// the missing slots stay zero, which downstream logic reads as an absent
// directory. Declared counts above 16 are not over-read.
func readDataDirectories(r io.ReadSeeker, declared uint32, dst []DataDirectory) error {
	n := declared
	if n > NumDataDirectories {
		n = NumDataDirectories
	}
	if n == 0 {
		return nil
	}
	if err := binary.Read(r, binary.LittleEndian, dst[:n]); err != nil {
		return errors.Wrap(ErrTruncated, "reading data directories")
	}
	return nil
}

// SizeOfHeaders returns the optional header's SizeOfHeaders field.
func (f *File) SizeOfHeaders() uint32 {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader32:
		return oh.SizeOfHeaders
	case *OptionalHeader64:
		return oh.SizeOfHeaders
	}
	return 0
}

// Subsystem returns the optional header's Subsystem field.
func (f *File) Subsystem() uint16 {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader32:
		return oh.Subsystem
	case *OptionalHeader64:
		return oh.Subsystem
	}
	return 0
}

// DllCharacteristics returns the optional header's DllCharacteristics field.
func (f *File) DllCharacteristics() uint16 {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader32:
		return oh.DllCharacteristics
	case *OptionalHeader64:
		return oh.DllCharacteristics
	}
	return 0
}

// DataDirectory returns the directory entry at idx, or a zero entry when idx
// is out of range.
func (f *File) DataDirectory(idx int) DataDirectory {
	if idx < 0 || idx >= NumDataDirectories {
		return DataDirectory{}
	}
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader32:
		return oh.DataDirectory[idx]
	case *OptionalHeader64:
		return oh.DataDirectory[idx]
	}
	return DataDirectory{}
}
