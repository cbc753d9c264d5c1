package internal

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
)

// ArtifactKind selects which remote artifact set an operation targets.
type ArtifactKind int

const (
	KindGame ArtifactKind = iota
	KindLauncher
)

func (k ArtifactKind) String() string {
	switch k {
	case KindGame:
		return "game"
	case KindLauncher:
		return "launcher"
	default:
		return "invalid"
	}
}

// ProtocolBackend is the capability set a transport must provide. Backends
// never retry internally; retry policy lives in the download coordinator so
// backoff logic stays in one place.
type ProtocolBackend interface {
	// ResolveRemoteVersion fetches the published version for an artifact
	// kind. Fails with ErrUnreachable or ErrNotFound.
	ResolveRemoteVersion(ctx context.Context, kind ArtifactKind) (VersionIdentifier, error)

	// FetchRemoteManifest fetches and parses the artifact's manifest. Fails
	// with ErrUnreachable or ErrMalformed.
	FetchRemoteManifest(ctx context.Context, kind ArtifactKind) (*Manifest, error)

	// OpenFileStream opens a payload file of an artifact set at the given
	// byte offset. A transport that cannot honor a non-zero offset returns
	// ErrRangeUnsupported. Fails with ErrUnreachable, ErrNotFound or
	// ErrPermissionDenied.
	OpenFileStream(ctx context.Context, kind ArtifactKind, relPath string, offset int64) (io.ReadCloser, error)

	// Close releases transport resources.
	Close() error
}

// BackendConfig is the per-transport slice of the launcher configuration.
type BackendConfig struct {
	// BaseURL is the transport root: an http(s) URL, an ftp URL, or a
	// magnet link / .torrent path for the swarm backend.
	BaseURL string

	// Platform is the target platform identifier segment of remote paths.
	Platform string

	// MaxConnections bounds concurrent transport connections where the
	// protocol supports it.
	MaxConnections int

	// ScratchDir is backend-private working space (the swarm backend stores
	// piece data there).
	ScratchDir string
}

// torrentScratchDirName is the backend scratch directory under the install
// root. Scans and sweeps treat it as launcher bookkeeping.
const torrentScratchDirName = ".torrent-scratch"

// BackendFactory constructs a backend from its configuration.
type BackendFactory func(cfg BackendConfig) (ProtocolBackend, error)

var (
	backendMu sync.RWMutex
	backends  = make(map[string]BackendFactory)
)

// RegisterBackend makes a transport available under a protocol name. Called
// from init in each transport file; adding a transport requires no edits to
// the core.
func RegisterBackend(name string, factory BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("duplicate backend registration: " + name)
	}
	backends[name] = factory
}

// NewBackend instantiates the backend registered under name.
func NewBackend(name string, cfg BackendConfig) (ProtocolBackend, error) {
	backendMu.RLock()
	factory, ok := backends[name]
	backendMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q (have %v)", name, RegisteredBackends())
	}
	return factory(cfg)
}

// RegisteredBackends lists the available protocol names, sorted.
func RegisteredBackends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remote layout, shared by all transports:
//
//	<base>/<platform>/<kind>/version        plain version string
//	<base>/<platform>/<kind>/manifest       manifest, optionally zstd
//	<base>/<platform>/<kind>/files/<path>   payload bytes

func remoteVersionPath(platform string, kind ArtifactKind) string {
	return path.Join(platform, kind.String(), "version")
}

func remoteManifestPath(platform string, kind ArtifactKind) string {
	return path.Join(platform, kind.String(), "manifest")
}

func remoteFilePath(platform string, kind ArtifactKind, relPath string) string {
	return path.Join(platform, kind.String(), "files", relPath)
}
