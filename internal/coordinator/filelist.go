package coordinator

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FileListEntry is one line of a client's filelist: a relative path with
// the size and modification stamp the change detection keys on.
type FileListEntry struct {
	Path  string
	Size  int64
	MTime int64
}

// ParseFileList reads the line-oriented "f<path>|<size>|<mtime>" filelist
// a client sends at the start of a file backup. Unknown line prefixes are
// skipped so the format can grow without breaking older servers.
func ParseFileList(r io.Reader) ([]FileListEntry, error) {
	var out []FileListEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "f") {
			continue
		}
		parts := strings.Split(line[1:], "|")
		if len(parts) != 3 {
			return nil, errors.Errorf("coordinator: malformed filelist line %q", line)
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "coordinator: filelist size in %q", line)
		}
		mtime, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "coordinator: filelist mtime in %q", line)
		}
		out = append(out, FileListEntry{Path: parts[0], Size: size, MTime: mtime})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "coordinator: reading filelist")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// WriteFileList serializes entries in the same line format, used to
// persist the list a completed backup was built from so the next
// incremental can diff against it.
func WriteFileList(w io.Writer, entries []FileListEntry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "f%s|%d|%d\n", e.Path, e.Size, e.MTime); err != nil {
			return errors.Wrap(err, "coordinator: writing filelist")
		}
	}
	return errors.Wrap(bw.Flush(), "coordinator: flushing filelist")
}

// DiffFileLists returns the entries of cur that are new or changed
// relative to prev (size or mtime differ), plus the paths present in prev
// but gone from cur. Unchanged files are neither: the backup tree links
// them from the previous backup without touching the wire.
func DiffFileLists(prev, cur []FileListEntry) (changed []FileListEntry, deleted []string) {
	prevByPath := make(map[string]FileListEntry, len(prev))
	for _, e := range prev {
		prevByPath[e.Path] = e
	}
	curSeen := make(map[string]bool, len(cur))
	for _, e := range cur {
		curSeen[e.Path] = true
		old, ok := prevByPath[e.Path]
		if !ok || old.Size != e.Size || old.MTime != e.MTime {
			changed = append(changed, e)
		}
	}
	for _, e := range prev {
		if !curSeen[e.Path] {
			deleted = append(deleted, e.Path)
		}
	}
	sort.Strings(deleted)
	return changed, deleted
}
