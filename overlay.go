package pe

import (
	"io"
)

// overlayOffset returns the file offset where trailing data begins: the end
// of the last section body on disk, or the end of the headers when no section
// carries raw data. Zero when nothing trails the image.
func (f *File) overlayOffset() uint64 {
	end := uint64(f.SizeOfHeaders())
	for _, s := range f.Sections {
		if s.PointerToRawData == 0 || s.SizeOfRawData == 0 {
			continue
		}
		sum := uint64(s.PointerToRawData) + uint64(s.SizeOfRawData)
		if sum <= f.size && sum > end {
			end = sum
		}
	}
	if end < f.size {
		return end
	}
	return 0
}

// GetOverlay returns a reader over the raw trailing data, or nil when the
// image has none. The attached certificate table, when present, lives inside
// this region; GetOverlay does not strip it.
func (f *File) GetOverlay() *io.SectionReader {
	offset := f.overlayOffset()
	if offset == 0 {
		return nil
	}
	return io.NewSectionReader(f.r, int64(offset), int64(f.size-offset))
}

// OverlayOffset returns the offset reported by GetOverlay's reader, zero when
// there is no overlay.
func (f *File) OverlayOffset() uint64 {
	return f.overlayOffset()
}
