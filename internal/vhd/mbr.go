package vhd

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// MBRSize is the fixed size of the partition-table header blob written at
// VHD offset 0: 512 sectors of 512 bytes each, room enough for either a
// legacy MBR or an embedded GPT (protective MBR + primary GPT header +
// partition entries), per spec §4.B "A 512*512-byte header is written at
// VHD offset 0".
const MBRSize = 512 * 512

// WriteMBR writes blob (padded to MBRSize) at logical volume offset 0 of
// the image (baseOffset is where the image's data region starts in the
// backing file), and saves an identical copy to sidecarPath (the backup's
// "<image>.mbr" file used at restore time to recreate the partition table
// without mounting the VHD).
func WriteMBR(vhd io.WriterAt, baseOffset int64, sidecarPath string, blob []byte) error {
	buf := make([]byte, MBRSize)
	n := copy(buf, blob)
	if n < len(blob) {
		return errors.Errorf("vhd: mbr blob too large: %d > %d", len(blob), MBRSize)
	}
	if _, err := vhd.WriteAt(buf, baseOffset); err != nil {
		return errors.Wrap(err, "vhd: writing mbr into image")
	}
	f, err := os.Create(sidecarPath)
	if err != nil {
		return errors.Wrap(err, "vhd: creating mbr sidecar file")
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return errors.Wrap(err, "vhd: writing mbr sidecar file")
	}
	return nil
}

// ReadMBR reads the MBRSize header blob back from sidecarPath, used by the
// restore path to recreate a partition table without touching the VHD.
func ReadMBR(sidecarPath string) ([]byte, error) {
	f, err := os.Open(sidecarPath)
	if err != nil {
		return nil, errors.Wrap(err, "vhd: opening mbr sidecar file")
	}
	defer f.Close()
	buf := make([]byte, MBRSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, errors.Wrap(err, "vhd: reading mbr sidecar file")
	}
	return buf, nil
}
