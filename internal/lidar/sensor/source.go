package sensor

import (
	"context"
	"embed"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/scanbridge/internal/httputil"
)

//go:embed sensor_configs/*.json
var embeddedConfigs embed.FS

// DefaultEmbeddedConfig is the bundled OS1-64 legacy-profile document used
// for development and tests.
const DefaultEmbeddedConfig = "os1-64-legacy.json"

// maxMetadataSize caps how much of a metadata document is read.
const maxMetadataSize = 4 * 1024 * 1024

// Source fetches the sensor metadata document.
type Source interface {
	Fetch(ctx context.Context) (*Info, error)
}

// FileSource reads metadata from a JSON file on disk.
type FileSource struct {
	Path string
}

// Fetch implements Source.
func (s FileSource) Fetch(ctx context.Context) (*Info, error) {
	cleanPath := filepath.Clean(s.Path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("metadata file must have .json extension, got %q", ext)
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}
	return Parse(data)
}

// HTTPSource fetches metadata from the sensor's HTTP API.
type HTTPSource struct {
	// URL is the full metadata endpoint, e.g.
	// http://os-992109000254.local/api/v1/sensor/metadata
	URL string
	// Client defaults to an *http.Client with a 10 s timeout.
	Client httputil.Doer
}

// Fetch implements Source.
func (s HTTPSource) Fetch(ctx context.Context) (*Info, error) {
	var client httputil.Doer = &http.Client{Timeout: 10 * time.Second}
	if s.Client != nil {
		client = s.Client
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata from %s: %w", s.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint %s returned %s", s.URL, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata response: %w", err)
	}
	return Parse(data)
}

// EmbeddedSource serves one of the bundled metadata documents.
type EmbeddedSource struct {
	Name string
}

// Fetch implements Source.
func (s EmbeddedSource) Fetch(ctx context.Context) (*Info, error) {
	name := s.Name
	if name == "" {
		name = DefaultEmbeddedConfig
	}
	data, err := embeddedConfigs.ReadFile("sensor_configs/" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded metadata %q: %w", name, err)
	}
	return Parse(data)
}

// LoadEmbedded returns the default bundled metadata, panicking on failure.
// Intended for tests and tooling.
func LoadEmbedded() *Info {
	info, err := EmbeddedSource{}.Fetch(context.Background())
	if err != nil {
		panic(err)
	}
	return info
}
