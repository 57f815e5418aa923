package coordinator

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/urbackup-go/backupcore/internal/vhd"
)

// The discovery/metadata side of the peer speaks a line-oriented command
// channel, separate from the binary chunk protocol, matching the
// command-pipe strings the rest of the coordinator uses.

// RequestFileList asks the peer for its current filelist over an open
// command connection and parses the reply.
func RequestFileList(rwc io.ReadWriter) ([]FileListEntry, error) {
	if _, err := fmt.Fprint(rwc, "FILELIST\n"); err != nil {
		return nil, errors.Wrap(err, "coordinator: requesting filelist")
	}
	return ParseFileList(rwc)
}

// RequestImageMeta asks the peer for one volume's size and partition
// table blob: a "<size>" line followed by exactly MBRSize raw bytes.
func RequestImageMeta(rwc io.ReadWriter, letter string) (int64, []byte, error) {
	if _, err := fmt.Fprintf(rwc, "IMAGEMETA %s\n", letter); err != nil {
		return 0, nil, errors.Wrap(err, "coordinator: requesting image metadata")
	}
	br := bufio.NewReader(rwc)
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, nil, errors.Wrap(err, "coordinator: reading image size")
	}
	size, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "coordinator: parsing image size %q", line)
	}
	mbr := make([]byte, vhd.MBRSize)
	if _, err := io.ReadFull(br, mbr); err != nil {
		return 0, nil, errors.Wrap(err, "coordinator: reading mbr blob")
	}
	return size, mbr, nil
}
