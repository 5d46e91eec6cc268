package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/instanced/pkg/broadcast"
)

// memRegistry is an in-memory Registry with the same versioning and limit
// semantics as the SQLite store.
type memRegistry struct {
	mu        sync.Mutex
	instances map[string]*Instance
	configs   map[string]*Configuration
	profiles  map[string]*ServiceProfile
	creds     map[string]*ProviderCredentials
	seq       int
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		instances: make(map[string]*Instance),
		configs:   make(map[string]*Configuration),
		profiles:  make(map[string]*ServiceProfile),
		creds:     make(map[string]*ProviderCredentials),
	}
}

func (r *memRegistry) insert(inst *Instance) {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	r.seq++
	now := time.Unix(int64(r.seq), 0).UTC()
	inst.CreatedAt, inst.UpdatedAt, inst.Version = now, now, 1
	r.instances[inst.ID] = inst.Clone()
}

func (r *memRegistry) ReserveInstance(_ context.Context, inst *Instance, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, existing := range r.instances {
		if existing.OwnerID == inst.OwnerID && existing.Kind == inst.Kind {
			n++
		}
	}
	if n >= limit {
		return ErrLimitExceeded.WithResource(inst.OwnerID)
	}
	r.insert(inst)
	return nil
}

func (r *memRegistry) CreateInstance(_ context.Context, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(inst)
	return nil
}

func (r *memRegistry) GetInstance(_ context.Context, ownerID, id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok || inst.OwnerID != ownerID {
		return nil, ErrNotFound.WithResource(id)
	}
	return inst.Clone(), nil
}

func (r *memRegistry) ListInstances(_ context.Context, filter InstanceFilter) ([]*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	for _, inst := range r.instances {
		if filter.Matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRegistry) UpdateInstance(_ context.Context, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.instances[inst.ID]
	if !ok || stored.OwnerID != inst.OwnerID {
		return ErrNotFound.WithResource(inst.ID)
	}
	if stored.Version != inst.Version {
		return ErrVersionConflict.WithResource(inst.ID)
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	r.instances[inst.ID] = inst.Clone()
	return nil
}

func (r *memRegistry) DeleteInstance(_ context.Context, ownerID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok || inst.OwnerID != ownerID {
		return ErrNotFound.WithResource(id)
	}
	delete(r.instances, id)
	return nil
}

func (r *memRegistry) ListOwnersWithCloudInstances(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var owners []string
	for _, inst := range r.instances {
		if inst.Kind == KindCloud && inst.ResourceHandle != "" && !seen[inst.OwnerID] {
			seen[inst.OwnerID] = true
			owners = append(owners, inst.OwnerID)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

func (r *memRegistry) SaveConfiguration(_ context.Context, cfg *Configuration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	c := *cfg
	c.Variables = append([]Variable(nil), cfg.Variables...)
	r.configs[cfg.ID] = &c
	return nil
}

func (r *memRegistry) GetConfiguration(_ context.Context, ownerID, id string) (*Configuration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	if !ok || cfg.OwnerID != ownerID {
		return nil, ErrNotFound.WithResource(id)
	}
	c := *cfg
	return &c, nil
}

func (r *memRegistry) DeleteConfiguration(_ context.Context, ownerID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	if !ok || cfg.OwnerID != ownerID {
		return ErrNotFound.WithResource(id)
	}
	for _, inst := range r.instances {
		if inst.ConfigurationID == id {
			inst.ConfigurationID = ""
			if inst.Status == StatusActive {
				inst.Status = StatusIdle
			}
			inst.Version++
		}
	}
	delete(r.configs, id)
	return nil
}

func (r *memRegistry) SaveProfile(_ context.Context, p *ServiceProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	r.profiles[p.ID] = p.Snapshot()
	return nil
}

func (r *memRegistry) GetProfile(_ context.Context, ownerID, idOrName string) (*ServiceProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var global *ServiceProfile
	for _, p := range r.profiles {
		if p.ID != idOrName && p.Name != idOrName {
			continue
		}
		if p.OwnerID == ownerID {
			return p.Snapshot(), nil
		}
		if p.OwnerID == "" {
			global = p
		}
	}
	if global == nil {
		return nil, ErrNotFound.WithResource(idOrName)
	}
	return global.Snapshot(), nil
}

func (r *memRegistry) ListProfiles(_ context.Context, ownerID string) ([]*ServiceProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ServiceProfile
	for _, p := range r.profiles {
		if p.OwnerID == ownerID || p.OwnerID == "" {
			out = append(out, p.Snapshot())
		}
	}
	return out, nil
}

func (r *memRegistry) PutProviderCredentials(_ context.Context, creds *ProviderCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *creds
	r.creds[creds.OwnerID+"/"+creds.Project] = &c
	return nil
}

func (r *memRegistry) GetProviderCredentials(_ context.Context, ownerID, project string) (*ProviderCredentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.creds {
		if strings.HasPrefix(key, ownerID+"/") && (project == "" || c.Project == project) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound.WithResource(ownerID)
}

func (r *memRegistry) snapshot(id string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		return inst.Clone()
	}
	return nil
}

// prefixSealer is a reversible fake Sealer.
type prefixSealer struct{}

func (prefixSealer) Seal(plaintext []byte) (string, error) {
	return "sealed:" + string(plaintext), nil
}

func (prefixSealer) Open(ciphertext string) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, "sealed:") {
		return nil, errors.New("bad ciphertext")
	}
	return []byte(strings.TrimPrefix(ciphertext, "sealed:")), nil
}

// fakeProvider scripts provider responses.
type fakeProvider struct {
	mu sync.Mutex

	createErr    error
	createAddr   string
	allowErr     error
	listErr      map[string]error
	live         map[string][]ServiceState
	pollResults  []pollResult
	pollFallback pollResult

	created   []ServiceSpec
	deleted   []string
	polls     int
	listCalls int
	onPoll    func(n int)
}

type pollResult struct {
	state *ServiceState
	err   error
}

func (p *fakeProvider) CreateService(_ context.Context, _ Credentials, spec ServiceSpec) (*ServiceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, spec)
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &ServiceState{Handle: spec.Ref.Handle, Address: p.createAddr}, nil
}

func (p *fakeProvider) AllowPublicAccess(context.Context, Credentials, ServiceRef) error {
	return p.allowErr
}

func (p *fakeProvider) GetService(_ context.Context, _ Credentials, ref ServiceRef) (*ServiceState, error) {
	p.mu.Lock()
	p.polls++
	n := p.polls
	var res pollResult
	if n <= len(p.pollResults) {
		res = p.pollResults[n-1]
	} else {
		res = p.pollFallback
	}
	hook := p.onPoll
	p.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if res.err != nil {
		return nil, res.err
	}
	if res.state == nil {
		return nil, ErrResourceNotFound.WithResource(ref.Handle)
	}
	st := *res.state
	st.Handle = ref.Handle
	return &st, nil
}

func (p *fakeProvider) ListServices(_ context.Context, _ Credentials, project, region string) ([]ServiceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	key := project + "/" + region
	if err := p.listErr[key]; err != nil {
		return nil, err
	}
	return append([]ServiceState(nil), p.live[key]...), nil
}

func (p *fakeProvider) DeleteService(_ context.Context, _ Credentials, ref ServiceRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, ref.Handle)
	return nil
}

func (p *fakeProvider) deletedHandles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

// fakeTarget scripts probe and push outcomes.
type fakeTarget struct {
	kind     Kind
	address  string
	probeErr error
	pushErr  error

	mu     sync.Mutex
	pushed []*ConfigPayload
	probes int
}

func (t *fakeTarget) Kind() Kind      { return t.kind }
func (t *fakeTarget) Address() string { return t.address }

func (t *fakeTarget) Probe(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probes++
	return t.probeErr
}

func (t *fakeTarget) PushConfig(_ context.Context, payload *ConfigPayload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushed = append(t.pushed, payload)
	return t.pushErr
}

func (t *fakeTarget) pushes() []*ConfigPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*ConfigPayload(nil), t.pushed...)
}

// fakeResolver returns one shared target for every instance.
type fakeResolver struct {
	target *fakeTarget
	err    error
}

func (r *fakeResolver) Resolve(inst *Instance) (Target, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.target.kind = inst.Kind
	r.target.address = inst.Address
	return r.target, nil
}

// recorder is a Notifier that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recorder) Broadcast(_ context.Context, _ string, event broadcast.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeAdmission returns a fixed decision.
type fakeAdmission struct {
	decision AdmissionDecision
	requests []AdmissionRequest
}

func (a *fakeAdmission) Admit(_ context.Context, req AdmissionRequest) (*AdmissionDecision, error) {
	a.requests = append(a.requests, req)
	d := a.decision
	return &d, nil
}

func seedCloud(reg *memRegistry, owner string) {
	_ = reg.PutProviderCredentials(context.Background(), &ProviderCredentials{
		OwnerID: owner, Project: "proj", DefaultRegion: "europe-west1", SealedKey: "sealed:{}",
	})
	_ = reg.SaveProfile(context.Background(), &ServiceProfile{
		Name: "small", Image: "ghcr.io/acme/runtime:1", MemoryMiB: 512, CPU: "1", Concurrency: 80,
	})
}
