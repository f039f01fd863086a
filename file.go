package pe

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Mode selects optional work during Parse.
type Mode uint32

const (
	// ModeReadCodeSignature additionally extracts the attached PKCS#7 blob
	// when the image carries one. Unknown bits are reserved and ignored.
	ModeReadCodeSignature Mode = 0x1
)

// ImageFacts is the immutable result of Parse.
type ImageFacts struct {
	Machine            uint16
	Characteristics    uint16
	Subsystem          uint16
	DllCharacteristics uint16

	// HasSignature is true iff the SECURITY directory names a non-empty
	// certificate table that fits inside the file.
	HasSignature bool

	// CMSSignatureBlob holds the PKCS#7 SignedData of the first
	// WIN_CERTIFICATE entry. Nil unless ModeReadCodeSignature was set and a
	// signature is present.
	CMSSignatureBlob []byte

	// HasMetadata is true iff the COM descriptor directory resolves to a
	// file offset, marking a managed image.
	HasMetadata bool

	// SecurityDirRange is the on-stream location of the 8-byte SECURITY
	// data-directory slot itself. Verifiers that re-serialise the image
	// without its signature need to blank exactly these bytes.
	SecurityDirRange StreamRange

	HashInfo ComputeHashInfo
}

type File struct {
	DOSHeader DOSHeader
	NtHeader
	Sections []*Section

	Is64 bool
	Is32 bool

	checkSumRange    StreamRange
	securityDirRange StreamRange
	hashInfo         ComputeHashInfo

	size   uint64
	r      io.ReaderAt
	sr     *io.SectionReader
	closer io.Closer
}

// New parses the PE structure from a borrowed stream. The stream is never
// closed and must not be mutated while the File is in use.
func New(r io.ReaderAt, size int64) (*File, error) {
	if size < DOSHeaderSize {
		return nil, errors.Wrap(ErrTruncated, "input smaller than a DOS header")
	}

	f := &File{
		size: uint64(size),
		r:    r,
		sr:   io.NewSectionReader(r, 0, size),
	}

	if err := f.readDOSHeader(); err != nil {
		return nil, err
	}
	if err := f.readNTHeader(); err != nil {
		return nil, err
	}
	if err := f.readSections(); err != nil {
		return nil, err
	}

	f.hashInfo = f.computeHashRanges()
	return f, nil
}

// NewFile opens filename and parses it. The returned File owns the handle;
// release it with Close.
func NewFile(filename string) (*File, error) {
	fh, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	stat, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, err
	}

	f, err := New(fh, stat.Size())
	if err != nil {
		fh.Close()
		return nil, err
	}
	f.closer = fh
	return f, nil
}

func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// Parse reads the image structure and assembles its signing facts in one
// call. The stream is borrowed for the duration of the call only.
func Parse(r io.ReaderAt, size int64, mode Mode) (*ImageFacts, error) {
	f, err := New(r, size)
	if err != nil {
		return nil, err
	}
	return f.Facts(mode)
}

// Facts assembles the ImageFacts for a parsed file.
func (f *File) Facts(mode Mode) (*ImageFacts, error) {
	facts := &ImageFacts{
		Machine:            f.FileHeader.Machine,
		Characteristics:    f.FileHeader.Characteristics,
		Subsystem:          f.Subsystem(),
		DllCharacteristics: f.DllCharacteristics(),
		HasSignature:       f.hasSignature(),
		HasMetadata:        f.hasMetadata(),
		SecurityDirRange:   f.securityDirRange,
		HashInfo:           f.hashInfo,
	}

	if mode&ModeReadCodeSignature != 0 && facts.HasSignature {
		blob, err := f.readCodeSignature()
		if err != nil {
			return nil, err
		}
		facts.CMSSignatureBlob = blob
	}
	return facts, nil
}

// Is reports whether the stream starts with the DOS and NT magics. It never
// fails; any read problem reads as "not a PE".
func Is(r io.ReaderAt, size int64) bool {
	if size < DOSHeaderSize {
		return false
	}

	var buf [4]byte
	if _, err := r.ReadAt(buf[:2], 0); err != nil {
		return false
	}
	if binary.LittleEndian.Uint16(buf[:2]) != ImageDOSSignature {
		return false
	}

	if _, err := r.ReadAt(buf[:4], 0x3C); err != nil {
		return false
	}
	lfanew := binary.LittleEndian.Uint32(buf[:4])

	if _, err := r.ReadAt(buf[:4], int64(lfanew)); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(buf[:4]) == ImageNTHeaderSignature
}

// HashInfo returns the Authenticode hash plan computed at parse time.
func (f *File) HashInfo() ComputeHashInfo {
	return f.hashInfo
}

// SecurityDirRange returns the on-stream location of the SECURITY directory
// slot.
func (f *File) SecurityDirRange() StreamRange {
	return f.securityDirRange
}

func (f *File) GetSize() uint64 {
	return f.size
}

// ReadUint16 reads a little-endian uint16 at offset.
func (f *File) ReadUint16(offset uint64) (uint16, error) {
	data := make([]byte, 2)
	if _, err := f.r.ReadAt(data, int64(offset)); err != nil {
		return 0, errors.Wrap(ErrTruncated, "reading uint16")
	}
	return binary.LittleEndian.Uint16(data), nil
}

// ReadUint32 reads a little-endian uint32 at offset.
func (f *File) ReadUint32(offset uint64) (uint32, error) {
	data := make([]byte, 4)
	if _, err := f.r.ReadAt(data, int64(offset)); err != nil {
		return 0, errors.Wrap(ErrTruncated, "reading uint32")
	}
	return binary.LittleEndian.Uint32(data), nil
}
