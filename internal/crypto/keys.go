package crypto

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// FileKeyProvider is a local master-key provider for deployments without an
// external key service. Keys live under <dataDir>/keys, one file per
// organization and version, base64 encoded with 0600 permissions.
type FileKeyProvider struct {
	mu   sync.Mutex
	dir  string
	keys map[string]map[int][]byte // orgID -> version -> key
}

// NewFileKeyProvider creates the provider and its key directory.
func NewFileKeyProvider(dataDir string) (*FileKeyProvider, error) {
	dir := filepath.Join(dataDir, "keys")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &FileKeyProvider{dir: dir, keys: make(map[string]map[int][]byte)}, nil
}

// MasterKey returns the newest master key for the organization, generating
// version 1 on first use.
func (p *FileKeyProvider) MasterKey(_ context.Context, orgID string) ([]byte, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	versions, err := p.loadOrg(orgID)
	if err != nil {
		return nil, 0, err
	}
	if len(versions) == 0 {
		key, err := p.generate(orgID, 1)
		if err != nil {
			return nil, 0, err
		}
		return key, 1, nil
	}

	latest := 0
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	return versions[latest], latest, nil
}

// MasterKeyVersion returns a specific historical key version.
func (p *FileKeyProvider) MasterKeyVersion(_ context.Context, orgID string, version int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	versions, err := p.loadOrg(orgID)
	if err != nil {
		return nil, err
	}
	key, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("master key version %d not found for organization", version)
	}
	return key, nil
}

// RotateMasterKey generates the next key version for an organization.
func (p *FileKeyProvider) RotateMasterKey(_ context.Context, orgID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	versions, err := p.loadOrg(orgID)
	if err != nil {
		return 0, err
	}
	next := 1
	for v := range versions {
		if v >= next {
			next = v + 1
		}
	}
	if _, err := p.generate(orgID, next); err != nil {
		return 0, err
	}
	log.Info().Str("org", orgID).Int("version", next).Msg("Rotated organization master key")
	return next, nil
}

// loadOrg reads all key versions for an org into the cache. Caller holds mu.
func (p *FileKeyProvider) loadOrg(orgID string) (map[int][]byte, error) {
	if cached, ok := p.keys[orgID]; ok {
		return cached, nil
	}

	versions := make(map[int][]byte)
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}

	prefix := orgID + ".v"
	names := make([]string, 0)
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".key") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		vs := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".key")
		version, err := strconv.Atoi(vs)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, name))
		if err != nil {
			return nil, err
		}
		key := make([]byte, 32)
		n, err := base64.StdEncoding.Decode(key, data)
		if err != nil || n != 32 {
			log.Warn().Str("file", name).Msg("Skipping unreadable master key file")
			continue
		}
		versions[version] = key
	}

	p.keys[orgID] = versions
	return versions, nil
}

// generate creates and persists a new key version. Caller holds mu.
func (p *FileKeyProvider) generate(orgID string, version int) ([]byte, error) {
	key := make([]byte, 32) // AES-256
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	path := filepath.Join(p.dir, fmt.Sprintf("%s.v%d.key", orgID, version))
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	if p.keys[orgID] == nil {
		p.keys[orgID] = make(map[int][]byte)
	}
	p.keys[orgID][version] = key
	return key, nil
}
