package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/instanced/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// setupFileStore creates a file-backed store that allows concurrent connections.
func setupFileStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "registry.db"),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newCloudInstance(owner, name string) *engine.Instance {
	return &engine.Instance{
		OwnerID: owner,
		Name:    name,
		Kind:    engine.KindCloud,
		Status:  engine.StatusCreating,
		Project: "proj",
		Region:  "europe-west1",
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.HealthCheck(ctx))
	require.NoError(t, store.Close())
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(Config{})
	assert.Error(t, err)
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Running again is a no-op.
	require.NoError(t, store.Migrate(ctx))

	version, dirty, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestInstanceCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := newCloudInstance("tenant-a", "svc")
	inst.Profile = &engine.ServiceProfile{Name: "small", Image: "img", CPU: "1", MemoryMiB: 512, Concurrency: 10, SealedAuthToken: "sealed"}
	require.NoError(t, store.CreateInstance(ctx, inst))
	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, int64(1), inst.Version)

	got, err := store.GetInstance(ctx, "tenant-a", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "svc", got.Name)
	assert.Equal(t, engine.StatusCreating, got.Status)
	require.NotNil(t, got.Profile)
	assert.Equal(t, "small", got.Profile.Name)
	assert.Equal(t, "sealed", got.Profile.SealedAuthToken)
	assert.Empty(t, got.ConfigurationID)

	// Other tenants cannot see it.
	_, err = store.GetInstance(ctx, "tenant-b", inst.ID)
	assert.True(t, engine.IsNotFound(err))

	got.Status = engine.StatusIdle
	got.Address = "https://svc.example.run.app"
	got.ResourceHandle = "svc-handle"
	require.NoError(t, store.UpdateInstance(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	again, err := store.GetInstance(ctx, "tenant-a", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusIdle, again.Status)
	assert.Equal(t, "https://svc.example.run.app", again.Address)
	assert.Equal(t, int64(2), again.Version)

	require.NoError(t, store.DeleteInstance(ctx, "tenant-a", inst.ID))
	assert.True(t, engine.IsNotFound(store.DeleteInstance(ctx, "tenant-a", inst.ID)))
}

func TestUpdateInstanceVersionConflict(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := newCloudInstance("tenant-a", "svc")
	require.NoError(t, store.CreateInstance(ctx, inst))

	a, err := store.GetInstance(ctx, "tenant-a", inst.ID)
	require.NoError(t, err)
	b, err := store.GetInstance(ctx, "tenant-a", inst.ID)
	require.NoError(t, err)

	a.Status = engine.StatusIdle
	require.NoError(t, store.UpdateInstance(ctx, a))

	b.Status = engine.StatusError
	err = store.UpdateInstance(ctx, b)
	assert.ErrorIs(t, err, engine.ErrVersionConflict)

	missing := newCloudInstance("tenant-a", "ghost")
	missing.ID = "nope"
	missing.Version = 1
	assert.True(t, engine.IsNotFound(store.UpdateInstance(ctx, missing)))
}

func TestReserveInstanceEnforcesLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, store.ReserveInstance(ctx, newCloudInstance("tenant-a", fmt.Sprintf("svc-%d", i)), 2))
	}
	err := store.ReserveInstance(ctx, newCloudInstance("tenant-a", "svc-2"), 2)
	assert.ErrorIs(t, err, engine.ErrLimitExceeded)

	// Limits are per tenant and per kind.
	require.NoError(t, store.ReserveInstance(ctx, newCloudInstance("tenant-b", "svc"), 2))
	local := &engine.Instance{OwnerID: "tenant-a", Name: "laptop", Kind: engine.KindLocal, Status: engine.StatusConnecting, Port: 8080}
	require.NoError(t, store.ReserveInstance(ctx, local, 2))

	cloud, err := store.ListInstances(ctx, engine.InstanceFilter{OwnerID: "tenant-a", Kind: engine.KindCloud})
	require.NoError(t, err)
	assert.Len(t, cloud, 2)
}

func TestReserveInstanceConcurrent(t *testing.T) {
	store := setupFileStore(t)
	ctx := context.Background()

	const limit = 3
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.ReserveInstance(ctx, newCloudInstance("tenant-a", fmt.Sprintf("svc-%d", i)), limit)
			switch {
			case err == nil:
				admitted.Add(1)
			case engine.CodeOf(err) == engine.ErrCodeLimitExceeded:
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(limit), admitted.Load())
	assert.Equal(t, int32(10-limit), rejected.Load())

	cloud, err := store.ListInstances(ctx, engine.InstanceFilter{OwnerID: "tenant-a", Kind: engine.KindCloud})
	require.NoError(t, err)
	assert.Len(t, cloud, limit)
}

func TestListInstancesFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	withHandle := newCloudInstance("tenant-a", "a")
	withHandle.ResourceHandle = "svc-a"
	require.NoError(t, store.CreateInstance(ctx, withHandle))
	require.NoError(t, store.CreateInstance(ctx, newCloudInstance("tenant-a", "b")))
	require.NoError(t, store.CreateInstance(ctx, &engine.Instance{
		OwnerID: "tenant-a", Name: "r", Kind: engine.KindRemote, Status: engine.StatusIdle, Address: "https://r.example.com",
	}))
	other := newCloudInstance("tenant-b", "c")
	other.ResourceHandle = "svc-c"
	require.NoError(t, store.CreateInstance(ctx, other))

	all, err := store.ListInstances(ctx, engine.InstanceFilter{OwnerID: "tenant-a"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	cloud, err := store.ListInstances(ctx, engine.InstanceFilter{OwnerID: "tenant-a", Kind: engine.KindCloud, WithHandle: true})
	require.NoError(t, err)
	require.Len(t, cloud, 1)
	assert.Equal(t, "svc-a", cloud[0].ResourceHandle)

	idle, err := store.ListInstances(ctx, engine.InstanceFilter{Status: engine.StatusIdle})
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, engine.KindRemote, idle[0].Kind)

	owners, err := store.ListOwnersWithCloudInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, owners)
}

func TestConfigurationRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cfg := &engine.Configuration{
		OwnerID:   "tenant-a",
		Name:      "app",
		SourceURL: "https://git.example.com/app.git",
		Reference: "main",
		Ports:     []int{3000, 8080},
		Variables: []engine.Variable{
			{Key: "B", Value: "2"},
			{Key: "A", Value: "sealed", Encrypted: true},
		},
	}
	require.NoError(t, store.SaveConfiguration(ctx, cfg))
	require.NotEmpty(t, cfg.ID)

	got, err := store.GetConfiguration(ctx, "tenant-a", cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{3000, 8080}, got.Ports)
	require.Len(t, got.Variables, 2)
	assert.Equal(t, "B", got.Variables[0].Key)
	assert.True(t, got.Variables[1].Encrypted)

	cfg.Variables = []engine.Variable{{Key: "C", Value: "3"}}
	require.NoError(t, store.SaveConfiguration(ctx, cfg))
	got, err = store.GetConfiguration(ctx, "tenant-a", cfg.ID)
	require.NoError(t, err)
	require.Len(t, got.Variables, 1)
	assert.Equal(t, "C", got.Variables[0].Key)

	_, err = store.GetConfiguration(ctx, "tenant-b", cfg.ID)
	assert.True(t, engine.IsNotFound(err))

	// Another tenant cannot overwrite it by id.
	stolen := *cfg
	stolen.OwnerID = "tenant-b"
	assert.True(t, engine.IsNotFound(store.SaveConfiguration(ctx, &stolen)))
}

func TestDeleteConfigurationDemotesActiveInstances(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cfg := &engine.Configuration{OwnerID: "tenant-a", Name: "app", SourceURL: "https://git.example.com/app.git"}
	require.NoError(t, store.SaveConfiguration(ctx, cfg))

	inst := &engine.Instance{
		OwnerID: "tenant-a", Name: "r", Kind: engine.KindRemote, Status: engine.StatusActive,
		Address: "https://r.example.com", ConfigurationID: cfg.ID, Healthy: true,
	}
	require.NoError(t, store.CreateInstance(ctx, inst))

	require.NoError(t, store.DeleteConfiguration(ctx, "tenant-a", cfg.ID))

	got, err := store.GetInstance(ctx, "tenant-a", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusIdle, got.Status)
	assert.Empty(t, got.ConfigurationID)
	assert.Equal(t, int64(2), got.Version)

	assert.True(t, engine.IsNotFound(store.DeleteConfiguration(ctx, "tenant-a", cfg.ID)))
}

func TestProfilePrecedence(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	catalog := &engine.ServiceProfile{Name: "small", Image: "catalog:1", CPU: "1", MemoryMiB: 512, Concurrency: 80}
	require.NoError(t, store.SaveProfile(ctx, catalog))
	own := &engine.ServiceProfile{OwnerID: "tenant-a", Name: "small", Image: "own:1", CPU: "1", MemoryMiB: 1024, Concurrency: 80, Env: map[string]string{"MODE": "x"}}
	require.NoError(t, store.SaveProfile(ctx, own))

	got, err := store.GetProfile(ctx, "tenant-a", "small")
	require.NoError(t, err)
	assert.Equal(t, "own:1", got.Image)
	assert.Equal(t, "x", got.Env["MODE"])

	got, err = store.GetProfile(ctx, "tenant-b", "small")
	require.NoError(t, err)
	assert.Equal(t, "catalog:1", got.Image)

	got, err = store.GetProfile(ctx, "tenant-a", catalog.ID)
	require.NoError(t, err)
	assert.Equal(t, "catalog:1", got.Image)

	// Upsert keeps the id.
	originalID := catalog.ID
	update := &engine.ServiceProfile{Name: "small", Image: "catalog:2", CPU: "2", MemoryMiB: 512, Concurrency: 80}
	require.NoError(t, store.SaveProfile(ctx, update))
	assert.Equal(t, originalID, update.ID)

	list, err := store.ListProfiles(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = store.GetProfile(ctx, "tenant-a", "large")
	assert.True(t, engine.IsNotFound(err))
}

func TestProviderCredentialsLatest(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	require.NoError(t, store.PutProviderCredentials(ctx, &engine.ProviderCredentials{OwnerID: "tenant-a", Project: "p1", SealedKey: "k1"}))
	require.NoError(t, store.PutProviderCredentials(ctx, &engine.ProviderCredentials{OwnerID: "tenant-a", Project: "p2", SealedKey: "k2", DefaultRegion: "us-central1"}))

	latest, err := store.GetProviderCredentials(ctx, "tenant-a", "")
	require.NoError(t, err)
	assert.Equal(t, "p2", latest.Project)
	assert.Equal(t, "us-central1", latest.DefaultRegion)

	p1, err := store.GetProviderCredentials(ctx, "tenant-a", "p1")
	require.NoError(t, err)
	assert.Equal(t, "k1", p1.SealedKey)

	_, err = store.GetProviderCredentials(ctx, "tenant-b", "")
	assert.True(t, engine.IsNotFound(err))

	err = store.PutProviderCredentials(ctx, &engine.ProviderCredentials{OwnerID: "tenant-a", SealedKey: "k"})
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(err))
}

func TestBackup(t *testing.T) {
	store := setupFileStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateInstance(ctx, newCloudInstance("tenant-a", "svc")))

	path := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, store.Backup(ctx, path))
	assert.Error(t, store.Backup(ctx, path), "existing backup must not be overwritten")

	restored, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer restored.Close()

	list, err := restored.ListInstances(ctx, engine.InstanceFilter{OwnerID: "tenant-a"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
