package pe

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"
	"sort"
)

// computeHashRanges builds the Authenticode hash plan for the image:
// the header region minus the CheckSum field and the SECURITY directory slot,
// the section bodies in on-disk order, and any trailing data minus the
// attached certificate table.
func (f *File) computeHashRanges() ComputeHashInfo {
	headerSize := uint64(f.SizeOfHeaders())
	fileSize := f.size

	// Out-of-file anomalies must still produce a deterministic plan, so the
	// excluded header fields are clamped to the declared header region before
	// inversion.
	excluded := make([]StreamRange, 0, 2)
	for _, r := range []StreamRange{f.checkSumRange, f.securityDirRange} {
		if r.Position >= headerSize {
			continue
		}
		if r.End() > headerSize {
			r.Size = headerSize - r.Position
		}
		excluded = append(excluded, r)
	}
	sortRanges(excluded)

	included := invertRanges(headerSize, excluded)

	sections := make([]*Section, len(f.Sections))
	copy(sections, f.Sections)
	sort.Stable(byRawDataOffset(sections))

	hashedEnd := headerSize
	for _, s := range sections {
		if s.PointerToRawData == 0 || s.SizeOfRawData == 0 {
			continue
		}
		r := StreamRange{Position: uint64(s.PointerToRawData), Size: uint64(s.SizeOfRawData)}
		included = append(included, r)
		hashedEnd = r.End()
	}

	appendRange := func(start, end uint64) {
		if end > start {
			included = append(included, StreamRange{Position: start, Size: end - start})
		}
	}

	// The certificate table's bytes are the signature itself and never
	// contribute to the digest; everything around it on disk does.
	cert := f.DataDirectory(ImageDirectoryEntrySecurity)
	certStart := uint64(cert.VirtualAddress) // a file offset for this directory
	certEnd := certStart + uint64(cert.Size)
	switch {
	case cert.VirtualAddress == 0 || cert.Size == 0:
		appendRange(hashedEnd, fileSize)
	case certStart >= fileSize:
		appendRange(hashedEnd, fileSize)
	case certEnd < fileSize:
		appendRange(hashedEnd, certStart)
		appendRange(certEnd, fileSize)
	default:
		appendRange(hashedEnd, certStart)
	}

	return ComputeHashInfo{Ranges: mergeNeighbors(included)}
}

// hasSignature reports whether the SECURITY directory names a non-empty
// certificate table that fits inside the file.
func (f *File) hasSignature() bool {
	cert := f.DataDirectory(ImageDirectoryEntrySecurity)
	return cert.VirtualAddress != 0 && cert.Size != 0 &&
		uint64(cert.VirtualAddress)+uint64(cert.Size) <= f.size
}

func (f *File) AuthentihashSha512() []byte {
	return f.authentihash(sha512.New())
}

func (f *File) AuthentihashSha256() []byte {
	return f.authentihash(sha256.New())
}

func (f *File) AuthentihashSha1() []byte {
	return f.authentihash(sha1.New())
}

func (f *File) AuthentihashMd5() []byte {
	return f.authentihash(md5.New())
}

func (f *File) Authentihash() []byte {
	return f.authentihash(sha256.New())
}

// authentihash streams every range of the hash plan into hasher.
func (f *File) authentihash(hasher hash.Hash) []byte {
	if f.OptionalHeader == nil {
		return nil
	}

	for _, r := range f.HashInfo().Ranges {
		sr := io.NewSectionReader(f.r, int64(r.Position), int64(r.Size))
		_, _ = io.Copy(hasher, sr)
	}
	return hasher.Sum(nil)
}
