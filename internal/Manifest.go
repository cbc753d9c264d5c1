package internal

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// localManifestName is the well-known manifest location under the install
// root.
const localManifestName = "launcher.manifest"

// ManifestEntry describes one file of an installation snapshot. Immutable
// once produced.
type ManifestEntry struct {
	// RelativePath is forward-slash separated and relative to the install
	// root.
	RelativePath string
	Hash         ContentHash
	Size         uint64

	// Required marks files whose absence leaves the game unrunnable. A
	// failed transfer of a required entry escalates the whole session.
	Required bool
}

// Manifest is an ordered set of entries uniquely keyed by relative path.
type Manifest struct {
	entries []ManifestEntry
	index   map[string]int
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{index: make(map[string]int)}
}

// Add appends an entry. Duplicate paths and paths escaping the install root
// are rejected as malformed.
func (m *Manifest) Add(e ManifestEntry) error {
	clean, err := CleanRelativePath(e.RelativePath)
	if err != nil {
		return err
	}
	e.RelativePath = clean
	if _, dup := m.index[e.RelativePath]; dup {
		return fmt.Errorf("%w: duplicate manifest path %q", ErrMalformed, e.RelativePath)
	}
	m.index[e.RelativePath] = len(m.entries)
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns the entries in manifest order. The caller must not mutate
// the returned slice.
func (m *Manifest) Entries() []ManifestEntry {
	return m.entries
}

// Lookup returns the entry for a relative path.
func (m *Manifest) Lookup(relPath string) (ManifestEntry, bool) {
	i, ok := m.index[relPath]
	if !ok {
		return ManifestEntry{}, false
	}
	return m.entries[i], true
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	return len(m.entries)
}

// TotalSize returns the summed size of all entries in bytes.
func (m *Manifest) TotalSize() uint64 {
	var total uint64
	for _, e := range m.entries {
		total += e.Size
	}
	return total
}

// CleanRelativePath normalizes a manifest path and rejects anything that
// could escape the installation root.
func CleanRelativePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("%w: empty manifest path", ErrMalformed)
	}
	if path.IsAbs(p) || strings.Contains(p, ":") {
		return "", fmt.Errorf("%w: absolute manifest path %q", ErrMalformed, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: manifest path %q escapes install root", ErrMalformed, p)
	}
	return clean, nil
}

// zstdMagic is the zstandard frame header. Remote manifests may arrive
// compressed; the reader sniffs for it instead of trusting file extensions.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ParseManifest reads the textual manifest format, one entry per line:
//
//	<hex md5> <size> <relative path>[*]
//
// A trailing '*' marks the entry as required. Blank lines and '#' comments
// are ignored. A zstd-compressed stream is decompressed transparently.
func ParseManifest(r io.Reader) (*Manifest, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err == nil && bytes.Equal(head, zstdMagic) {
		zr, zerr := zstd.NewReader(br)
		if zerr != nil {
			return nil, fmt.Errorf("%w: zstd manifest: %v", ErrMalformed, zerr)
		}
		defer zr.Close()
		return parseManifestLines(zr)
	}
	return parseManifestLines(br)
}

func parseManifestLines(r io.Reader) (*Manifest, error) {
	m := NewManifest()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: manifest line %d: want 'hash size path', got %q", ErrMalformed, lineNo, line)
		}

		hash, err := ParseHash(fields[0])
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", lineNo, err)
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: manifest line %d: bad size %q", ErrMalformed, lineNo, fields[1])
		}

		entryPath := fields[2]
		required := false
		if strings.HasSuffix(entryPath, "*") {
			required = true
			entryPath = strings.TrimSuffix(entryPath, "*")
		}

		if err := m.Add(ManifestEntry{
			RelativePath: entryPath,
			Hash:         hash,
			Size:         size,
			Required:     required,
		}); err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteManifest serializes m in the textual format ParseManifest reads.
func WriteManifest(w io.Writer, m *Manifest) error {
	bw := bufio.NewWriter(w)
	for _, e := range m.entries {
		suffix := ""
		if e.Required {
			suffix = "*"
		}
		if _, err := fmt.Fprintf(bw, "%s %d %s%s\n", e.Hash, e.Size, e.RelativePath, suffix); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// LoadLocalManifest reads the manifest persisted under the install root. A
// missing manifest yields an empty one: a fresh install diffs as all-adds.
func LoadLocalManifest(root string) (*Manifest, error) {
	f, err := os.Open(filepath.Join(root, localManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return NewManifest(), nil
		}
		return nil, ClassifyLocalError(err)
	}
	defer f.Close()
	return ParseManifest(f)
}

// SaveLocalManifest persists the manifest under the install root atomically.
func SaveLocalManifest(root string, m *Manifest) error {
	var buf bytes.Buffer
	if err := WriteManifest(&buf, m); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(root, localManifestName), buf.Bytes(), 0o644)
}

// ScanInstallRoot builds a manifest from the files actually on disk, hashing
// every one. Launcher bookkeeping files and leftover temp downloads are
// excluded. Repair uses this to diff against reality instead of trusting the
// stored manifest. The required flags from want (may be nil) are carried over
// so a repair keeps knowing which files are mandatory.
func ScanInstallRoot(root string, want *Manifest) (*Manifest, error) {
	m := NewManifest()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if isBookkeepingPath(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hash, err := HashFile(p)
		if err != nil {
			return err
		}

		required := false
		if want != nil {
			if we, ok := want.Lookup(rel); ok {
				required = we.Required
			}
		}
		return m.Add(ManifestEntry{
			RelativePath: rel,
			Hash:         hash,
			Size:         uint64(info.Size()),
			Required:     required,
		})
	})
	if err != nil {
		return nil, ClassifyLocalError(err)
	}
	return m, nil
}

// isBookkeepingPath reports whether a relative path belongs to the launcher
// itself rather than the installed artifact set.
func isBookkeepingPath(rel string) bool {
	switch rel {
	case localManifestName, versionMarkerName, sessionMarkerName, sessionLockName, installCookieName:
		return true
	}
	if strings.HasPrefix(rel, torrentScratchDirName+"/") {
		return true
	}
	return strings.HasSuffix(rel, tempSuffix) || strings.HasSuffix(rel, resumeSuffix)
}
