package pe

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

type SectionHeader32 struct {
	Name                 [8]uint8
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

type SectionHeader struct {
	Name             string
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
}

type Section struct {
	SectionHeader

	io.ReaderAt
	sr *io.SectionReader
}

// Data reads and returns the raw contents of the section.
func (s *Section) Data() ([]byte, error) {
	dat := make([]byte, s.sr.Size())
	n, err := s.sr.ReadAt(dat, 0)
	if n == len(dat) {
		err = nil
	}
	return dat[0:n], err
}

// Open returns a new ReadSeeker reading the section body.
func (s *Section) Open() io.ReadSeeker {
	return io.NewSectionReader(s.sr, 0, 1<<63-1)
}

func (s *Section) Entropy() float64 {
	var e EntropyCalculator
	_, _ = io.Copy(&e, s.Open())
	return e.Sum()
}

func (s *Section) Flags() (flags string) {
	if (ImageScnMemRead & s.Characteristics) == ImageScnMemRead {
		flags += "r"
	}
	if (ImageScnMemExecute & s.Characteristics) == ImageScnMemExecute {
		flags += "x"
	}
	if (ImageScnMemWrite & s.Characteristics) == ImageScnMemWrite {
		flags += "w"
	}
	return flags
}

// byRawDataOffset orders sections by their on-disk position, the order the
// Authenticode recipe hashes them in. The sort is stable so that sections
// sharing a PointerToRawData keep their header-table order.
type byRawDataOffset []*Section

func (s byRawDataOffset) Len() int           { return len(s) }
func (s byRawDataOffset) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s byRawDataOffset) Less(i, j int) bool { return s[i].PointerToRawData < s[j].PointerToRawData }

func (f *File) readSections() error {
	optionalHeaderOffset := uint64(f.DOSHeader.AddressOfNewEXEHeader) + 4 + FileHeaderSize
	offset := optionalHeaderOffset + uint64(f.FileHeader.SizeOfOptionalHeader)
	if _, err := f.sr.Seek(int64(offset), io.SeekStart); err != nil {
		return errors.Wrap(ErrTruncated, "seeking to section table")
	}

	f.Sections = make([]*Section, f.FileHeader.NumberOfSections)
	for i := 0; i < int(f.FileHeader.NumberOfSections); i++ {
		var sh SectionHeader32
		if err := binary.Read(f.sr, binary.LittleEndian, &sh); err != nil {
			return errors.Wrap(ErrTruncated, "reading section header")
		}
		s := new(Section)
		s.SectionHeader = SectionHeader{
			Name:             cString(sh.Name[:]),
			VirtualSize:      sh.VirtualSize,
			VirtualAddress:   sh.VirtualAddress,
			SizeOfRawData:    sh.SizeOfRawData,
			PointerToRawData: sh.PointerToRawData,
			Characteristics:  sh.Characteristics,
		}
		var r io.ReaderAt
		if sh.PointerToRawData == 0 { // .bss must have all 0s
			r = zeroReaderAt{}
		} else {
			r = f.r
		}
		s.sr = io.NewSectionReader(r, int64(s.PointerToRawData), int64(s.SizeOfRawData))
		s.ReaderAt = s.sr
		f.Sections[i] = s
	}
	return nil
}

// Section returns the named section, or nil.
func (f *File) Section(name string) *Section {
	for _, s := range f.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// zeroReaderAt is ReaderAt that reads 0s.
type zeroReaderAt struct{}

// ReadAt writes len(p) 0s into p.
func (w zeroReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
