package internal

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/anacrolix/torrent"
)

func init() {
	RegisterBackend("torrent", NewTorrentBackend)
}

// torrentBackend serves a release snapshot out of a BitTorrent swarm. The
// release torrent contains the same layout the other transports serve over
// the wire (platform/kind/{version,manifest,files/...}). Resume works at the
// reader level: seeking a torrent reader only downloads the pieces the read
// actually touches.
type torrentBackend struct {
	source   string
	platform string

	mu     sync.Mutex
	client *torrent.Client
	tor    *torrent.Torrent
}

// NewTorrentBackend builds the swarm transport. The base URL is either a
// magnet link or a path to a .torrent file; ScratchDir holds piece data.
func NewTorrentBackend(cfg BackendConfig) (ProtocolBackend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("torrent backend: no magnet link or torrent file configured")
	}
	if cfg.ScratchDir == "" {
		return nil, fmt.Errorf("torrent backend: no scratch directory configured")
	}

	ccfg := torrent.NewDefaultClientConfig()
	ccfg.DataDir = cfg.ScratchDir
	ccfg.Seed = false
	if cfg.MaxConnections > 0 {
		ccfg.EstablishedConnsPerTorrent = cfg.MaxConnections
	}
	client, err := torrent.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("torrent backend: client: %w", err)
	}
	return &torrentBackend{
		source:   cfg.BaseURL,
		platform: cfg.Platform,
		client:   client,
	}, nil
}

// ensureTorrent adds the release torrent on first use and waits for its
// metadata.
func (b *torrentBackend) ensureTorrent(ctx context.Context) (*torrent.Torrent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tor != nil {
		return b.tor, nil
	}

	var (
		tor *torrent.Torrent
		err error
	)
	if strings.HasPrefix(b.source, "magnet:") {
		tor, err = b.client.AddMagnet(b.source)
	} else {
		tor, err = b.client.AddTorrentFromFile(b.source)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: add torrent: %v", ErrUnreachable, err)
	}

	select {
	case <-tor.GotInfo():
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for torrent metadata: %v", ErrUnreachable, ctx.Err())
	}
	b.tor = tor
	return tor, nil
}

// findFile locates a file inside the torrent by its display path.
func (b *torrentBackend) findFile(ctx context.Context, remotePath string) (*torrent.File, error) {
	tor, err := b.ensureTorrent(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range tor.Files() {
		if f.DisplayPath() == remotePath {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: torrent has no file %q", ErrNotFound, remotePath)
}

func (b *torrentBackend) openAt(ctx context.Context, remotePath string, offset int64) (io.ReadCloser, error) {
	f, err := b.findFile(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	if offset > f.Length() {
		return nil, fmt.Errorf("%w: offset %d beyond file length %d", ErrRangeUnsupported, offset, f.Length())
	}

	r := f.NewReader()
	if offset > 0 {
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			r.Close()
			return nil, fmt.Errorf("%w: torrent seek: %v", ErrUnreachable, err)
		}
	}
	return r, nil
}

func (b *torrentBackend) ResolveRemoteVersion(ctx context.Context, kind ArtifactKind) (VersionIdentifier, error) {
	r, err := b.openAt(ctx, remoteVersionPath(b.platform, kind), 0)
	if err != nil {
		return UnknownVersion, err
	}
	defer r.Close()

	raw, err := io.ReadAll(io.LimitReader(r, 256))
	if err != nil {
		return UnknownVersion, fmt.Errorf("%w: reading version: %v", ErrUnreachable, err)
	}
	return ParseVersion(string(raw)), nil
}

func (b *torrentBackend) FetchRemoteManifest(ctx context.Context, kind ArtifactKind) (*Manifest, error) {
	r, err := b.openAt(ctx, remoteManifestPath(b.platform, kind), 0)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ParseManifest(r)
}

func (b *torrentBackend) OpenFileStream(ctx context.Context, kind ArtifactKind, relPath string, offset int64) (io.ReadCloser, error) {
	return b.openAt(ctx, remoteFilePath(b.platform, kind, relPath), offset)
}

func (b *torrentBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	return nil
}
