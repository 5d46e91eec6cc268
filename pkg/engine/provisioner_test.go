package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/instanced/pkg/broadcast"
)

type provisionFixture struct {
	reg      *memRegistry
	provider *fakeProvider
	target   *fakeTarget
	events   *recorder
	prov     *Provisioner
	inst     *Instance
}

func newProvisionFixture(t *testing.T, provider *fakeProvider, maxAttempts int) *provisionFixture {
	t.Helper()
	reg := newMemRegistry()
	seedCloud(reg, "tenant-a")

	inst := &Instance{
		OwnerID: "tenant-a",
		Name:    "svc",
		Kind:    KindCloud,
		Status:  StatusCreating,
		Project: "proj",
		Region:  "europe-west1",
		Profile: &ServiceProfile{Name: "small", Image: "img", MemoryMiB: 512, CPU: "1", Concurrency: 80},
	}
	require.NoError(t, reg.CreateInstance(context.Background(), inst))

	events := &recorder{}
	target := &fakeTarget{}
	propagator := NewPropagator(reg, &fakeResolver{target: target}, prefixSealer{}, events, zerolog.Nop(), nil)
	prov := NewProvisioner(ProvisionerConfig{
		PollInterval:   20 * time.Millisecond,
		MaxAttempts:    maxAttempts,
		CleanupTimeout: time.Second,
	}, reg, provider, prefixSealer{}, events, propagator, zerolog.Nop(), nil)

	return &provisionFixture{reg: reg, provider: provider, target: target, events: events, prov: prov, inst: inst}
}

func (f *provisionFixture) run(t *testing.T) error {
	t.Helper()
	return f.prov.Run(context.Background(), ProvisionJob{OwnerID: f.inst.OwnerID, InstanceID: f.inst.ID})
}

func TestProvisionPollsUntilReady(t *testing.T) {
	ready := &ServiceState{Address: "https://svc-abc.run.app", Ready: true}
	provider := &fakeProvider{
		pollResults: []pollResult{
			{}, {}, {}, // not yet visible
			{state: &ServiceState{}},                     // visible, no address
			{err: errors.New("transient backend error")}, // logged and retried
			{state: ready},
		},
	}
	f := newProvisionFixture(t, provider, 30)

	require.NoError(t, f.run(t))

	got := f.reg.snapshot(f.inst.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusIdle, got.Status)
	assert.True(t, got.Healthy)
	assert.Equal(t, "https://svc-abc.run.app", got.Address)
	assert.Equal(t, ServiceHandle(f.inst.ID), got.ResourceHandle)
	assert.Equal(t, 6, provider.polls)
	assert.Contains(t, f.events.types(), broadcast.EventTypeInstanceReady)

	require.Len(t, provider.created, 1)
	assert.Equal(t, "instanced", provider.created[0].Labels["managed-by"])
	assert.Equal(t, f.inst.ID, provider.created[0].Labels["instance-id"])
}

func TestProvisionExhaustionWithoutAddressMarksError(t *testing.T) {
	provider := &fakeProvider{}
	f := newProvisionFixture(t, provider, 5)

	err := f.run(t)
	require.Error(t, err)
	assert.Equal(t, ErrCodeTimeout, CodeOf(err))

	got := f.reg.snapshot(f.inst.ID)
	require.NotNil(t, got, "row is kept for cleanup")
	assert.Equal(t, StatusError, got.Status)
	assert.False(t, got.Healthy)
	assert.Empty(t, got.Address)
	assert.NotEmpty(t, got.ResourceHandle)
	assert.Equal(t, 5, provider.polls, "attempt ceiling")
	assert.Contains(t, f.events.types(), broadcast.EventTypeInstanceFailed)
}

func TestProvisionFinishesWithinAttemptBudget(t *testing.T) {
	const interval = 50 * time.Millisecond
	provider := &fakeProvider{}
	f := newProvisionFixture(t, provider, 4)
	f.prov.cfg.PollInterval = interval
	// Every check takes a full interval and ignores cancellation.
	provider.onPoll = func(int) { time.Sleep(interval) }

	start := time.Now()
	err := f.run(t)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, ErrCodeTimeout, CodeOf(err))
	assert.LessOrEqual(t, elapsed, 4*interval, "elapsed %s", elapsed)
	assert.Less(t, provider.polls, 4)

	got := f.reg.snapshot(f.inst.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusError, got.Status)
}

func TestProvisionExhaustionFallsBackToCreateAddress(t *testing.T) {
	provider := &fakeProvider{createAddr: "https://from-create.run.app"}
	f := newProvisionFixture(t, provider, 3)

	require.NoError(t, f.run(t))

	got := f.reg.snapshot(f.inst.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusIdle, got.Status)
	assert.Equal(t, "https://from-create.run.app", got.Address)
}

func TestProvisionCreateRejectionRollsBack(t *testing.T) {
	provider := &fakeProvider{
		createErr: NewPermanentError("permission denied on project", nil).WithCode(ErrCodePermissionDenied),
	}
	f := newProvisionFixture(t, provider, 3)

	err := f.run(t)
	assert.Equal(t, ErrCodePermissionDenied, CodeOf(err))
	assert.Nil(t, f.reg.snapshot(f.inst.ID), "row must be deleted")
	assert.Equal(t, 0, provider.polls)
	assert.Contains(t, f.events.types(), broadcast.EventTypeInstanceFailed)
}

func TestProvisionPermissionGrantRejectionDeletesResource(t *testing.T) {
	provider := &fakeProvider{
		allowErr: NewPermanentError("cannot set iam policy", nil).WithCode(ErrCodePermissionDenied),
	}
	f := newProvisionFixture(t, provider, 3)

	require.Error(t, f.run(t))
	assert.Nil(t, f.reg.snapshot(f.inst.ID))
	assert.Equal(t, []string{ServiceHandle(f.inst.ID)}, provider.deletedHandles())
}

func TestProvisionDecryptFailureRollsBack(t *testing.T) {
	provider := &fakeProvider{}
	f := newProvisionFixture(t, provider, 3)
	require.NoError(t, f.reg.PutProviderCredentials(context.Background(), &ProviderCredentials{
		OwnerID: "tenant-a", Project: "proj", SealedKey: "garbage",
	}))

	err := f.run(t)
	assert.Equal(t, ErrCodeDecryptFailed, CodeOf(err))
	assert.Nil(t, f.reg.snapshot(f.inst.ID))
	assert.Empty(t, provider.created)
}

func TestProvisionPropagatesAttachedConfiguration(t *testing.T) {
	provider := &fakeProvider{pollFallback: pollResult{state: &ServiceState{Address: "https://svc.run.app", Ready: true}}}
	f := newProvisionFixture(t, provider, 3)

	cfg := &Configuration{OwnerID: "tenant-a", Name: "app", SourceURL: "https://git.example.com/app.git",
		Variables: []Variable{{Key: "SECRET", Value: "sealed:s3cr3t", Encrypted: true}}}
	require.NoError(t, f.reg.SaveConfiguration(context.Background(), cfg))
	_, err := mutateInstance(context.Background(), f.reg, "tenant-a", f.inst.ID, func(i *Instance) error {
		i.ConfigurationID = cfg.ID
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.run(t))

	got := f.reg.snapshot(f.inst.ID)
	assert.Equal(t, StatusActive, got.Status)
	pushes := f.target.pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, "s3cr3t", pushes[0].Variables["SECRET"])
	assert.Contains(t, f.events.types(), broadcast.EventTypeConfigLoaded)
}

func TestProvisionRowDeletedDuringPollingRemovesOrphan(t *testing.T) {
	provider := &fakeProvider{pollFallback: pollResult{state: &ServiceState{Address: "https://svc.run.app", Ready: true}}}
	f := newProvisionFixture(t, provider, 3)
	provider.onPoll = func(n int) {
		if n == 1 {
			_ = f.reg.DeleteInstance(context.Background(), "tenant-a", f.inst.ID)
		}
	}

	err := f.run(t)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, []string{ServiceHandle(f.inst.ID)}, provider.deletedHandles())
}

func TestServiceHandle(t *testing.T) {
	h := ServiceHandle("3F2504E0-4F89-11D3-9A0C-0305E82C3301")
	assert.Equal(t, "inst-3f2504e04f8911d39a0c0305", h)
	assert.LessOrEqual(t, len(h), 49)
}
