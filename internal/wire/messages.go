package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// GetFileBlockDiff is the initiator's request to pull a minimal diff of a
// remote file (spec §4.A).
type GetFileBlockDiff struct {
	Name          string
	Identity      string
	Offset        int64
	HashFileSize  int64
	Resume        bool
}

func (m GetFileBlockDiff) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, m.Name); err != nil {
		return nil, err
	}
	if err := writeString(&buf, m.Identity); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, m.Offset); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, m.HashFileSize); err != nil {
		return nil, err
	}
	var resume byte
	if m.Resume {
		resume = 1
	}
	if err := buf.WriteByte(resume); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeGetFileBlockDiff(payload []byte) (GetFileBlockDiff, error) {
	r := bytes.NewReader(payload)
	var m GetFileBlockDiff
	var err error
	if m.Name, err = readString(r); err != nil {
		return m, errors.Wrap(err, "name")
	}
	if m.Identity, err = readString(r); err != nil {
		return m, errors.Wrap(err, "identity")
	}
	if err = binary.Read(r, binary.LittleEndian, &m.Offset); err != nil {
		return m, errors.Wrap(err, "offset")
	}
	if err = binary.Read(r, binary.LittleEndian, &m.HashFileSize); err != nil {
		return m, errors.Wrap(err, "hashfilesize")
	}
	resume, err := r.ReadByte()
	if err != nil {
		return m, errors.Wrap(err, "resume")
	}
	m.Resume = resume != 0
	return m, nil
}

// BlockRequest pulls one block; WantWholeBlock is set when the peer has no
// per-block sidecar to diff against.
type BlockRequest struct {
	BlockOffset    int64
	WantWholeBlock bool
}

func (m BlockRequest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, m.BlockOffset); err != nil {
		return nil, err
	}
	var want byte
	if m.WantWholeBlock {
		want = 1
	}
	if err := buf.WriteByte(want); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeBlockRequest(payload []byte) (BlockRequest, error) {
	r := bytes.NewReader(payload)
	var m BlockRequest
	if err := binary.Read(r, binary.LittleEndian, &m.BlockOffset); err != nil {
		return m, err
	}
	want, err := r.ReadByte()
	if err != nil {
		return m, err
	}
	m.WantWholeBlock = want != 0
	return m, nil
}

// FileSize is the peer's reply declaring the remote file's size.
type FileSize struct {
	Size int64
}

func (m FileSize) Encode() ([]byte, error) {
	var buf bytes.Buffer
	err := binary.Write(&buf, binary.LittleEndian, m.Size)
	return buf.Bytes(), err
}

func DecodeFileSize(payload []byte) (FileSize, error) {
	r := bytes.NewReader(payload)
	var m FileSize
	err := binary.Read(r, binary.LittleEndian, &m.Size)
	return m, err
}

// FileSizeAndExtents precedes a sparse-extent trailer.
type FileSizeAndExtents struct {
	Size     int64
	NExtents int64
}

func (m FileSizeAndExtents) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, m.Size); err != nil {
		return nil, err
	}
	err := binary.Write(&buf, binary.LittleEndian, m.NExtents)
	return buf.Bytes(), err
}

func DecodeFileSizeAndExtents(payload []byte) (FileSizeAndExtents, error) {
	r := bytes.NewReader(payload)
	var m FileSizeAndExtents
	if err := binary.Read(r, binary.LittleEndian, &m.Size); err != nil {
		return m, err
	}
	err := binary.Read(r, binary.LittleEndian, &m.NExtents)
	return m, err
}

// NoChange declares a block identical to the base.
type NoChange struct {
	BlockOffset int64
}

func (m NoChange) Encode() ([]byte, error) {
	var buf bytes.Buffer
	err := binary.Write(&buf, binary.LittleEndian, m.BlockOffset)
	return buf.Bytes(), err
}

func DecodeNoChange(payload []byte) (NoChange, error) {
	r := bytes.NewReader(payload)
	var m NoChange
	err := binary.Read(r, binary.LittleEndian, &m.BlockOffset)
	return m, err
}

// BlockHash is the end-of-block live MD5 the initiator compares against.
type BlockHash struct {
	BlockOffset int64
	MD5         [16]byte
}

func (m BlockHash) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, m.BlockOffset); err != nil {
		return nil, err
	}
	_, err := buf.Write(m.MD5[:])
	return buf.Bytes(), err
}

func DecodeBlockHash(payload []byte) (BlockHash, error) {
	r := bytes.NewReader(payload)
	var m BlockHash
	if err := binary.Read(r, binary.LittleEndian, &m.BlockOffset); err != nil {
		return m, err
	}
	_, err := io.ReadFull(r, m.MD5[:])
	return m, err
}

// BlockError is a terminal peer failure carrying two opaque codes.
type BlockError struct {
	Code1 int32
	Code2 int32
}

func (m BlockError) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, m.Code1); err != nil {
		return nil, err
	}
	err := binary.Write(&buf, binary.LittleEndian, m.Code2)
	return buf.Bytes(), err
}

func DecodeBlockError(payload []byte) (BlockError, error) {
	r := bytes.NewReader(payload)
	var m BlockError
	if err := binary.Read(r, binary.LittleEndian, &m.Code1); err != nil {
		return m, err
	}
	err := binary.Read(r, binary.LittleEndian, &m.Code2)
	return m, err
}
