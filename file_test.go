package pe

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage synthesizes a minimal PE in memory. The NT headers always start
// at 0x40, which puts the PE32 CheckSum field at 152 and the SECURITY
// directory slot at 216 (232 for PE32+).
type testImage struct {
	is64          bool
	sizeOfHeaders uint32
	fileSize      uint32
	security      DataDirectory
	cor           DataDirectory
	sections      []SectionHeader32
	cert          []byte
}

func (ti testImage) build(t *testing.T) []byte {
	t.Helper()

	dos := make([]byte, DOSHeaderSize)
	binary.LittleEndian.PutUint16(dos[0:], ImageDOSSignature)
	binary.LittleEndian.PutUint32(dos[0x3C:], DOSHeaderSize)

	var hdr bytes.Buffer
	hdr.Write(dos)
	_ = binary.Write(&hdr, binary.LittleEndian, uint32(ImageNTHeaderSignature))

	machine := uint16(ImageFileMachineI386)
	optSize := uint16(OptionalHeader32MinSize + NumDataDirectories*DataDirectorySize)
	if ti.is64 {
		machine = ImageFileMachineAmd64
		optSize = OptionalHeader64MinSize + NumDataDirectories*DataDirectorySize
	}
	fh := FileHeader{
		Machine:              machine,
		NumberOfSections:     uint16(len(ti.sections)),
		SizeOfOptionalHeader: optSize,
		Characteristics:      0x0102,
	}
	_ = binary.Write(&hdr, binary.LittleEndian, fh)

	if ti.is64 {
		oh := OptionalHeader64{
			Magic:               ImageNTOptionalHeader64Magic,
			ImageBase:           0x140000000,
			SectionAlignment:    0x1000,
			FileAlignment:       0x200,
			SizeOfImage:         0x3000,
			SizeOfHeaders:       ti.sizeOfHeaders,
			CheckSum:            0xBEEF,
			Subsystem:           ImageSubsystemWindowsCUI,
			DllCharacteristics:  0x8160,
			NumberOfRvaAndSizes: NumDataDirectories,
		}
		oh.DataDirectory[ImageDirectoryEntrySecurity] = ti.security
		oh.DataDirectory[ImageDirectoryEntryComDescriptor] = ti.cor
		_ = binary.Write(&hdr, binary.LittleEndian, oh)
	} else {
		oh := OptionalHeader32{
			Magic:               ImageNTOptionalHeader32Magic,
			ImageBase:           0x400000,
			SectionAlignment:    0x1000,
			FileAlignment:       0x200,
			SizeOfImage:         0x3000,
			SizeOfHeaders:       ti.sizeOfHeaders,
			CheckSum:            0xBEEF,
			Subsystem:           ImageSubsystemWindowsGUI,
			DllCharacteristics:  0x8140,
			NumberOfRvaAndSizes: NumDataDirectories,
		}
		oh.DataDirectory[ImageDirectoryEntrySecurity] = ti.security
		oh.DataDirectory[ImageDirectoryEntryComDescriptor] = ti.cor
		_ = binary.Write(&hdr, binary.LittleEndian, oh)
	}

	for _, sh := range ti.sections {
		_ = binary.Write(&hdr, binary.LittleEndian, sh)
	}

	require.LessOrEqual(t, hdr.Len(), int(ti.fileSize), "headers overflow the declared file size")
	buf := make([]byte, ti.fileSize)
	copy(buf, hdr.Bytes())

	for _, sh := range ti.sections {
		if sh.PointerToRawData == 0 || sh.SizeOfRawData == 0 {
			continue
		}
		end := sh.PointerToRawData + sh.SizeOfRawData
		if end > ti.fileSize {
			end = ti.fileSize
		}
		for i := sh.PointerToRawData; i < end; i++ {
			buf[i] = 0xCC
		}
	}

	if len(ti.cert) > 0 {
		copy(buf[ti.security.VirtualAddress:], ti.cert)
	}
	return buf
}

func sectionHeader(name string, va, vsize, ptr, rawSize uint32) SectionHeader32 {
	var sh SectionHeader32
	copy(sh.Name[:], name)
	sh.VirtualAddress = va
	sh.VirtualSize = vsize
	sh.PointerToRawData = ptr
	sh.SizeOfRawData = rawSize
	sh.Characteristics = ImageScnMemRead | ImageScnMemExecute
	return sh
}

func certBlob(certType uint16, totalLen int) []byte {
	blob := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(blob[0:], uint32(totalLen))
	binary.LittleEndian.PutUint16(blob[4:], 0x0200)
	binary.LittleEndian.PutUint16(blob[6:], certType)
	for i := WinCertHeaderSize; i < totalLen; i++ {
		blob[i] = byte(i)
	}
	return blob
}

func parseImage(t *testing.T, img []byte, mode Mode) *ImageFacts {
	t.Helper()
	facts, err := Parse(bytes.NewReader(img), int64(len(img)), mode)
	require.NoError(t, err)
	return facts
}

// The plan must be sorted, non-overlapping, non-empty and fully merged.
func assertPlanInvariants(t *testing.T, plan ComputeHashInfo) {
	t.Helper()
	for i, r := range plan.Ranges {
		assert.NotZero(t, r.Size, "range %d is empty", i)
		if i > 0 {
			prev := plan.Ranges[i-1]
			assert.Less(t, prev.End(), r.Position,
				"ranges %d and %d overlap or are unmerged neighbors", i-1, i)
		}
	}
	assert.Zero(t, plan.CodeOffset)
	assert.Zero(t, plan.CodeSize)
}

func TestParseUnsignedPE32(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x600,
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
	}.build(t)

	facts := parseImage(t, img, 0)

	assert.Equal(t, uint16(ImageFileMachineI386), facts.Machine)
	assert.Equal(t, uint16(ImageSubsystemWindowsGUI), facts.Subsystem)
	assert.Equal(t, uint16(0x0102), facts.Characteristics)
	assert.Equal(t, uint16(0x8140), facts.DllCharacteristics)
	assert.False(t, facts.HasSignature)
	assert.False(t, facts.HasMetadata)
	assert.Nil(t, facts.CMSSignatureBlob)
	assert.Equal(t, StreamRange{Position: 216, Size: 8}, facts.SecurityDirRange)

	assertPlanInvariants(t, facts.HashInfo)
	want := []StreamRange{
		{Position: 0, Size: 152},
		{Position: 156, Size: 60},
		{Position: 224, Size: 0x600 - 224},
	}
	assert.Equal(t, want, facts.HashInfo.Ranges)
}

func TestParseSignedPE32PlusCertAtEOF(t *testing.T) {
	img := testImage{
		is64:          true,
		sizeOfHeaders: 0x400,
		fileSize:      0x1200,
		security:      DataDirectory{VirtualAddress: 0x1000, Size: 0x200},
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0xC00, 0x400, 0xC00)},
		cert:          certBlob(WinCertTypePKCSSignedData, 0x200),
	}.build(t)

	facts := parseImage(t, img, 0)

	assert.Equal(t, uint16(ImageFileMachineAmd64), facts.Machine)
	assert.True(t, facts.HasSignature)
	assert.Equal(t, StreamRange{Position: 232, Size: 8}, facts.SecurityDirRange)

	assertPlanInvariants(t, facts.HashInfo)
	want := []StreamRange{
		{Position: 0, Size: 152},
		{Position: 156, Size: 76},
		{Position: 240, Size: 0x1000 - 240},
	}
	assert.Equal(t, want, facts.HashInfo.Ranges)
}

func TestParseSignedCertInMiddle(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x1000,
		security:      DataDirectory{VirtualAddress: 0x800, Size: 0x100},
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
		cert:          certBlob(WinCertTypePKCSSignedData, 0x100),
	}.build(t)

	facts := parseImage(t, img, 0)

	assert.True(t, facts.HasSignature)
	assertPlanInvariants(t, facts.HashInfo)
	want := []StreamRange{
		{Position: 0, Size: 152},
		{Position: 156, Size: 60},
		{Position: 224, Size: 0x800 - 224},
		{Position: 0x900, Size: 0x700},
	}
	assert.Equal(t, want, facts.HashInfo.Ranges)
}

func TestParseManagedImage(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x600,
		cor:           DataDirectory{VirtualAddress: 0x1040, Size: 0x48},
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
	}.build(t)

	unmanaged := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x600,
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
	}.build(t)

	facts := parseImage(t, img, 0)
	assert.True(t, facts.HasMetadata)

	// The plan does not change with the COM descriptor.
	plain := parseImage(t, unmanaged, 0)
	assert.Equal(t, plain.HashInfo, facts.HashInfo)
}

func TestParseBadNTSignature(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x600,
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
	}.build(t)
	for i := DOSHeaderSize; i < DOSHeaderSize+4; i++ {
		img[i] = 0
	}

	assert.False(t, Is(bytes.NewReader(img), int64(len(img))))

	_, err := Parse(bytes.NewReader(img), int64(len(img)), 0)
	assert.ErrorIs(t, err, ErrNotPE)
}

func TestParseUnsupportedCertType(t *testing.T) {
	ti := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x1000,
		security:      DataDirectory{VirtualAddress: 0x800, Size: 0x100},
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
		cert:          certBlob(WinCertTypeX509, 0x100),
	}
	img := ti.build(t)

	_, err := Parse(bytes.NewReader(img), int64(len(img)), ModeReadCodeSignature)
	assert.ErrorIs(t, err, ErrUnsupportedCertType)

	// Without the extraction mode the parse succeeds and still reports the
	// signature as present.
	facts := parseImage(t, img, 0)
	assert.True(t, facts.HasSignature)
}

func TestParseCertDirectoryPastEOF(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x1000,
		security:      DataDirectory{VirtualAddress: 0x1000, Size: 0x10},
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
	}.build(t)

	facts := parseImage(t, img, 0)

	assert.False(t, facts.HasSignature)
	assertPlanInvariants(t, facts.HashInfo)
	// Trailing data is hashed in full when the directory points out of file.
	last := facts.HashInfo.Ranges[len(facts.HashInfo.Ranges)-1]
	assert.Equal(t, uint64(0x1000), last.End())
	assert.LessOrEqual(t, last.Position, uint64(0x600))
}

func TestParseCertOverhangsEOF(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x1000,
		security:      DataDirectory{VirtualAddress: 0x800, Size: 0x900},
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
	}.build(t)

	facts := parseImage(t, img, 0)

	assert.False(t, facts.HasSignature)
	assertPlanInvariants(t, facts.HashInfo)
	// Only the bytes before the claimed certificate start are hashed.
	last := facts.HashInfo.Ranges[len(facts.HashInfo.Ranges)-1]
	assert.Equal(t, uint64(0x800), last.End())
}

func TestParseZeroSizeSectionOmitted(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x800,
		sections: []SectionHeader32{
			sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200),
			sectionHeader(".bss", 0x2000, 0x200, 0, 0),
			sectionHeader(".data", 0x3000, 0x200, 0x600, 0x200),
		},
	}.build(t)

	facts := parseImage(t, img, 0)

	assertPlanInvariants(t, facts.HashInfo)
	want := []StreamRange{
		{Position: 0, Size: 152},
		{Position: 156, Size: 60},
		{Position: 224, Size: 0x800 - 224},
	}
	assert.Equal(t, want, facts.HashInfo.Ranges)
}

func TestParseNoSections(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x500,
	}.build(t)

	facts := parseImage(t, img, 0)

	assertPlanInvariants(t, facts.HashInfo)
	want := []StreamRange{
		{Position: 0, Size: 152},
		{Position: 156, Size: 60},
		{Position: 224, Size: 0x500 - 224},
	}
	assert.Equal(t, want, facts.HashInfo.Ranges)
}

func TestParseSectionOrderFollowsRawOffset(t *testing.T) {
	// Header order .data/.text, disk order .text/.data. The plan must follow
	// disk order.
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x800,
		sections: []SectionHeader32{
			sectionHeader(".data", 0x2000, 0x200, 0x600, 0x200),
			sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200),
		},
	}.build(t)

	facts := parseImage(t, img, 0)

	assertPlanInvariants(t, facts.HashInfo)
	last := facts.HashInfo.Ranges[len(facts.HashInfo.Ranges)-1]
	assert.Equal(t, StreamRange{Position: 224, Size: 0x800 - 224}, last)
}

func TestFactsIdenticalAcrossModes(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x1000,
		security:      DataDirectory{VirtualAddress: 0x800, Size: 0x100},
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
		cert:          certBlob(WinCertTypePKCSSignedData, 0x100),
	}.build(t)

	plain := parseImage(t, img, 0)
	withSig := parseImage(t, img, ModeReadCodeSignature)

	require.NotNil(t, withSig.CMSSignatureBlob)
	assert.Len(t, withSig.CMSSignatureBlob, 0x100-WinCertHeaderSize)

	withSig.CMSSignatureBlob = nil
	assert.Equal(t, plain, withSig)
}

func TestUnknownModeBitsIgnored(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x600,
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
	}.build(t)

	facts, err := Parse(bytes.NewReader(img), int64(len(img)), Mode(0x80))
	require.NoError(t, err)
	assert.False(t, facts.HasSignature)
}

func TestParseTruncatedHeaders(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x600,
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
	}.build(t)

	_, err := Parse(bytes.NewReader(img[:100]), 100, 0)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Parse(bytes.NewReader(img[:32]), 32, 0)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestParseBadDOSMagic(t *testing.T) {
	img := make([]byte, 0x200)
	_, err := Parse(bytes.NewReader(img), int64(len(img)), 0)
	assert.ErrorIs(t, err, ErrNotPE)
	assert.False(t, Is(bytes.NewReader(img), int64(len(img))))
}

func TestIs(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x600,
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
	}.build(t)

	assert.True(t, Is(bytes.NewReader(img), int64(len(img))))
}

func TestAuthentihashCoversPlanExactly(t *testing.T) {
	img := testImage{
		sizeOfHeaders: 0x400,
		fileSize:      0x1000,
		security:      DataDirectory{VirtualAddress: 0x800, Size: 0x100},
		sections:      []SectionHeader32{sectionHeader(".text", 0x1000, 0x200, 0x400, 0x200)},
		cert:          certBlob(WinCertTypePKCSSignedData, 0x100),
	}.build(t)

	f, err := New(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)

	want := sha256.New()
	for _, r := range f.HashInfo().Ranges {
		want.Write(img[r.Position:r.End()])
	}
	base := f.Authentihash()
	assert.Equal(t, want.Sum(nil), base)

	// Flipping a bit inside the certificate table must not change the hash.
	img[0x800+WinCertHeaderSize+1] ^= 0xFF
	f2, err := New(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	assert.Equal(t, base, f2.Authentihash())

	// Flipping a hashed byte must.
	img[0x500] ^= 0xFF
	f3, err := New(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	assert.NotEqual(t, base, f3.Authentihash())
}
