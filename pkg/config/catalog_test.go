package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/instanced/pkg/engine"
)

const catalogSource = `
profiles: {
	standard: image: "ghcr.io/acme/runtime:1.4"
	large: {
		image:      "ghcr.io/acme/runtime:1.4"
		memory_mib: 4096
		cpu:        "2"
		max_scale:  10
		port:       9000
		region:     "europe-west1"
		env: LOG_FORMAT: "json"
	}
}
`

func newParser(t *testing.T) *CatalogParser {
	t.Helper()
	p, err := NewCatalogParser()
	require.NoError(t, err)
	return p
}

func profileByName(profiles []*engine.ServiceProfile, name string) *engine.ServiceProfile {
	for _, p := range profiles {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func TestCatalogDefaults(t *testing.T) {
	catalog := newParser(t).Parse("profiles.cue", catalogSource)
	require.NoError(t, catalog.Err())
	require.Len(t, catalog.Profiles, 2)

	standard := profileByName(catalog.Profiles, "standard")
	require.NotNil(t, standard)
	assert.Equal(t, 512, standard.MemoryMiB)
	assert.Equal(t, "1", standard.CPU)
	assert.Equal(t, 80, standard.Concurrency)
	assert.Equal(t, 3, standard.MaxScale)
	assert.Zero(t, standard.Port)

	large := profileByName(catalog.Profiles, "large")
	require.NotNil(t, large)
	assert.Equal(t, 4096, large.MemoryMiB)
	assert.Equal(t, "2", large.CPU)
	assert.Equal(t, 10, large.MaxScale)
	assert.Equal(t, 9000, large.Port)
	assert.Equal(t, "europe-west1", large.Region)
	assert.Equal(t, map[string]string{"LOG_FORMAT": "json"}, large.Env)
}

func TestCatalogErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", `profiles: {`},
		{"missing image", `profiles: small: memory_mib: 256`},
		{"memory out of range", `profiles: small: {image: "x", memory_mib: 64}`},
		{"bad name", `profiles: Small_1: image: "x"`},
		{"bad cpu", `profiles: small: {image: "x", cpu: "two"}`},
		{"bad env key", `profiles: small: {image: "x", env: "lower": "v"}`},
	}
	p := newParser(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := p.Parse("profiles.cue", tt.content)
			assert.NotEmpty(t, catalog.Errors)
			assert.Empty(t, catalog.Profiles)

			err := catalog.Err()
			require.Error(t, err)
			assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
		})
	}
}

func TestLoadProfileCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.cue")
	require.NoError(t, os.WriteFile(path, []byte(catalogSource), 0o644))

	catalog, err := LoadProfileCatalog(path)
	require.NoError(t, err)
	require.NoError(t, catalog.Err())
	assert.Len(t, catalog.Profiles, 2)
	assert.Equal(t, []string{path}, catalog.SourceFiles)

	_, err = LoadProfileCatalog(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}

func TestCatalogErrorPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.cue")
	require.NoError(t, os.WriteFile(path, []byte("profiles: small: {\n\timage: \"x\"\n\tmemory_mib: 64\n}\n"), 0o644))

	catalog, err := LoadProfileCatalog(path)
	require.NoError(t, err)
	require.NotEmpty(t, catalog.Errors)
	assert.Contains(t, catalog.Err().Error(), "profiles.cue")
}

type memProfiles struct {
	mu    sync.Mutex
	saved map[string]*engine.ServiceProfile
}

func (m *memProfiles) SaveProfile(_ context.Context, p *engine.ServiceProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]*engine.ServiceProfile{}
	}
	m.saved[p.OwnerID+"/"+p.Name] = p
	return nil
}

func (m *memProfiles) GetProfile(_ context.Context, ownerID, name string) (*engine.ServiceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.saved[ownerID+"/"+name]; ok {
		return p, nil
	}
	return nil, engine.ErrNotFound
}

func (m *memProfiles) ListProfiles(context.Context, string) ([]*engine.ServiceProfile, error) {
	return nil, nil
}

func TestSyncProfiles(t *testing.T) {
	store := &memProfiles{}
	catalog := newParser(t).Parse("profiles.cue", catalogSource)

	n, err := SyncProfiles(context.Background(), store, catalog)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := store.GetProfile(context.Background(), "", "large")
	require.NoError(t, err)
	assert.Equal(t, 4096, p.MemoryMiB)

	bad := newParser(t).Parse("bad.cue", `profiles: x: memory_mib: 1`)
	_, err = SyncProfiles(context.Background(), store, bad)
	assert.Error(t, err)
}
