package modelcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"time"
)

// MaxArtifactSize bounds downloads so a misbehaving endpoint cannot
// exhaust memory.
const MaxArtifactSize = 512 << 20

const DefaultFetchTimeout = 2 * time.Minute

// Source resolves and downloads the serialized model.
type Source interface {
	// Key is the stable cache identifier of the artifact.
	Key() string
	Fetch(ctx context.Context) ([]byte, error)
}

// DirectSource downloads the artifact bytes from a fixed URL.
type DirectSource struct {
	URL    string
	Client *http.Client
}

func (s *DirectSource) Key() string { return s.URL }

func (s *DirectSource) Fetch(ctx context.Context) ([]byte, error) {
	return download(ctx, clientOrDefault(s.Client), s.URL)
}

// SignedURLSource asks a trusted endpoint for a short-lived signed URL and
// downloads the artifact from it. Endpoints that answer with the bytes
// themselves (after a redirect, say) are accepted too.
type SignedURLSource struct {
	Endpoint string
	// ID names the artifact independently of the signature, which changes
	// on every request.
	ID     string
	Client *http.Client
}

func (s *SignedURLSource) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Endpoint
}

type signedURLResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

func (s *SignedURLSource) Fetch(ctx context.Context) ([]byte, error) {
	client := clientOrDefault(s.Client)

	resp, err := get(ctx, client, s.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("request signed url: %w", err)
	}
	defer resp.Body.Close()

	if isOctetStream(resp.Header.Get("Content-Type")) {
		return readArtifact(resp.Body)
	}

	var payload signedURLResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode signed url response: %w", err)
	}
	if payload.URL == "" {
		return nil, fmt.Errorf("signed url response has no url")
	}
	return download(ctx, client, payload.URL)
}

// FileSource reads the artifact from local disk.
type FileSource struct {
	Path string
}

func (s *FileSource) Key() string { return "file://" + s.Path }

func (s *FileSource) Fetch(_ context.Context) ([]byte, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readArtifact(f)
}

func clientOrDefault(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: DefaultFetchTimeout}
}

// get issues a GET and fails on any non-200 status.
func get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp, nil
}

func download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	resp, err := get(ctx, client, url)
	if err != nil {
		return nil, fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()
	return readArtifact(resp.Body)
}

func readArtifact(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxArtifactSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxArtifactSize {
		return nil, fmt.Errorf("model artifact exceeds %d bytes", MaxArtifactSize)
	}
	if len(data) == 0 {
		return nil, ErrEmptyModel
	}
	return data, nil
}

func isOctetStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/octet-stream"
}
