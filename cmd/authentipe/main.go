package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Velocidex/pkcs7"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	pe "github.com/signumlabs/authentipe"
)

type SignatureInfo struct {
	BlobSize    int      `json:"blobSize"`
	Signers     []string `json:"signers,omitempty"`
	ParseError  string   `json:"parseError,omitempty"`
	Certificate string   `json:"certificate,omitempty"`
}

type HashRange struct {
	Position uint64 `json:"position"`
	Size     uint64 `json:"size"`
}

type SectionInfo struct {
	Name           string  `json:"name"`
	RawSize        uint32  `json:"rawSize"`
	RawOffset      uint32  `json:"rawOffset"`
	VirtualAddress uint32  `json:"virtualAddress"`
	VirtualSize    uint32  `json:"virtualSize"`
	Flags          string  `json:"flags"`
	Entropy        float64 `json:"entropy"`
}

type Report struct {
	Machine            string         `json:"machine"`
	Subsystem          string         `json:"subsystem"`
	Characteristics    uint16         `json:"characteristics"`
	DllCharacteristics uint16         `json:"dllCharacteristics"`
	HasSignature       bool           `json:"hasSignature"`
	HasMetadata        bool           `json:"hasMetadata"`
	SecurityDirOffset  uint64         `json:"securityDirOffset"`
	Authentihash       string         `json:"authentihash"`
	HashRanges         []HashRange    `json:"hashRanges"`
	Sections           []SectionInfo  `json:"sections"`
	Signature          *SignatureInfo `json:"signature,omitempty"`
}

var log = logrus.New()

func main() {
	var (
		readSignature bool
		dumpCertPath  string
		debug         bool
	)

	rootCmd := &cobra.Command{
		Use:   "authentipe FILE",
		Short: "Inspect Authenticode signing facts of a PE binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if debug {
				log.SetLevel(logrus.DebugLevel)
			}
			return run(args[0], readSignature || dumpCertPath != "", dumpCertPath)
		},
	}

	rootCmd.Flags().BoolVar(&readSignature, "signature", false, "extract and describe the PKCS#7 signature blob")
	rootCmd.Flags().StringVar(&dumpCertPath, "dump-cert", "", "write the raw PKCS#7 blob to the given file")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(filename string, readSignature bool, dumpCertPath string) error {
	if err := sniff(filename); err != nil {
		return err
	}

	mode := pe.Mode(0)
	if readSignature {
		mode |= pe.ModeReadCodeSignature
	}

	f, err := pe.NewFile(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	facts, err := f.Facts(mode)
	if err != nil {
		return err
	}

	log.Debugf("%s: %d hash ranges over %d bytes", filename, len(facts.HashInfo.Ranges), f.GetSize())

	report := Report{
		Machine:            pe.MachineName(facts.Machine),
		Subsystem:          pe.SubsystemName(facts.Subsystem),
		Characteristics:    facts.Characteristics,
		DllCharacteristics: facts.DllCharacteristics,
		HasSignature:       facts.HasSignature,
		HasMetadata:        facts.HasMetadata,
		SecurityDirOffset:  facts.SecurityDirRange.Position,
		Authentihash:       hex.EncodeToString(f.Authentihash()),
	}

	for _, r := range facts.HashInfo.Ranges {
		report.HashRanges = append(report.HashRanges, HashRange{Position: r.Position, Size: r.Size})
	}

	for _, s := range f.Sections {
		report.Sections = append(report.Sections, SectionInfo{
			Name:           s.Name,
			RawSize:        s.SizeOfRawData,
			RawOffset:      s.PointerToRawData,
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			Flags:          s.Flags(),
			Entropy:        s.Entropy(),
		})
	}

	if facts.CMSSignatureBlob != nil {
		report.Signature = describeSignature(facts.CMSSignatureBlob)

		if dumpCertPath != "" {
			if err := os.WriteFile(dumpCertPath, facts.CMSSignatureBlob, 0o644); err != nil {
				return err
			}
			log.Infof("wrote %d byte PKCS#7 blob to %s", len(facts.CMSSignatureBlob), dumpCertPath)
		}
	}

	data, err := json.MarshalIndent(&report, "", "    ")
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", data)
	return nil
}

// sniff refuses inputs that are visibly another container format before the
// parser sees them.
func sniff(filename string) error {
	fh, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer fh.Close()

	head := make([]byte, 261)
	n, _ := fh.Read(head)
	kind, _ := filetype.Match(head[:n])
	if kind != filetype.Unknown && kind != matchers.TypeExe {
		return fmt.Errorf("%s looks like %s, not a PE binary", filename, kind.MIME.Value)
	}
	return nil
}

func describeSignature(blob []byte) *SignatureInfo {
	info := &SignatureInfo{BlobSize: len(blob)}

	p7, err := pkcs7.Parse(blob)
	if err != nil {
		info.ParseError = err.Error()
		return info
	}

	for _, cert := range p7.Certificates {
		info.Signers = append(info.Signers, cert.Subject.String())
	}
	if signer := p7.GetOnlySigner(); signer != nil {
		info.Certificate = signer.Subject.CommonName
	}
	return info
}
