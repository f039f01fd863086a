package pe

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// WinCertificate is the 8-byte header preceding each attached certificate
// blob in the certificate table.
type WinCertificate struct {
	Length          uint32
	Revision        uint16
	CertificateType uint16
}

// readCodeSignature extracts the PKCS#7 SignedData attached to the first
// WIN_CERTIFICATE entry of the certificate table. Later entries are legal but
// the Authenticode convention is a single SignedData, so only the first is
// surfaced.
func (f *File) readCodeSignature() ([]byte, error) {
	cert := f.DataDirectory(ImageDirectoryEntrySecurity)

	var hdr WinCertificate
	r := io.NewSectionReader(f.r, int64(cert.VirtualAddress), WinCertHeaderSize)
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(ErrTruncated, "reading WIN_CERTIFICATE header")
	}

	if hdr.CertificateType != WinCertTypePKCSSignedData {
		return nil, errors.Wrapf(ErrUnsupportedCertType,
			"WIN_CERTIFICATE type 0x%04x", hdr.CertificateType)
	}

	if hdr.Length < WinCertHeaderSize {
		return nil, errors.Wrap(ErrTruncated, "WIN_CERTIFICATE length smaller than its header")
	}

	blob := make([]byte, hdr.Length-WinCertHeaderSize)
	n, err := f.r.ReadAt(blob, int64(cert.VirtualAddress)+WinCertHeaderSize)
	if err != nil && !(err == io.EOF && n == len(blob)) {
		return nil, errors.Wrap(ErrTruncated, "reading certificate blob")
	}
	return blob, nil
}
