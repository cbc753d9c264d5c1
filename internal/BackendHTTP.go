package internal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

func init() {
	RegisterBackend("http", NewHTTPBackend)
}

// httpBackend serves manifests and payload bytes over plain HTTP(S). Resume
// uses Range requests. This is the reference transport implementation.
type httpBackend struct {
	base     *url.URL
	platform string
	client   *http.Client
}

// NewHTTPBackend builds the HTTP transport from config. The base URL must be
// http or https.
func NewHTTPBackend(cfg BackendConfig) (ProtocolBackend, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("http backend: bad base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("http backend: unsupported scheme %q", base.Scheme)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 16
	}
	return &httpBackend{
		base:     base,
		platform: cfg.Platform,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: maxConns,
				MaxConnsPerHost:     maxConns,
			},
		},
	}, nil
}

func (b *httpBackend) remoteURL(remotePath string) string {
	u := *b.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + remotePath
	return u.String()
}

func (b *httpBackend) get(ctx context.Context, remotePath string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.remoteURL(remotePath), nil)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUnreachable, remotePath, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// Server ignored the Range header; the caller restarts from
			// zero instead of splicing a full body at an offset.
			resp.Body.Close()
			return nil, fmt.Errorf("%w: GET %s", ErrRangeUnsupported, remotePath)
		}
		return resp, nil
	case resp.StatusCode == http.StatusPartialContent:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s", ErrNotFound, remotePath)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrPermissionDenied, remotePath, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s", ErrRangeUnsupported, remotePath)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrUnreachable, remotePath, resp.StatusCode)
	}
}

func (b *httpBackend) ResolveRemoteVersion(ctx context.Context, kind ArtifactKind) (VersionIdentifier, error) {
	resp, err := b.get(ctx, remoteVersionPath(b.platform, kind), 0)
	if err != nil {
		return UnknownVersion, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return UnknownVersion, fmt.Errorf("%w: reading version: %v", ErrUnreachable, err)
	}
	return ParseVersion(string(raw)), nil
}

func (b *httpBackend) FetchRemoteManifest(ctx context.Context, kind ArtifactKind) (*Manifest, error) {
	resp, err := b.get(ctx, remoteManifestPath(b.platform, kind), 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return ParseManifest(resp.Body)
}

func (b *httpBackend) OpenFileStream(ctx context.Context, kind ArtifactKind, relPath string, offset int64) (io.ReadCloser, error) {
	resp, err := b.get(ctx, remoteFilePath(b.platform, kind, relPath), offset)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (b *httpBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
