package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/openfroyo/instanced/pkg/broadcast"
)

// maxMutateAttempts bounds the read-modify-write loop on version conflicts.
const maxMutateAttempts = 5

// errNoChange tells mutateInstance that fn decided not to write.
var errNoChange = errors.New("no change")

// mutateInstance re-reads the instance, applies fn and writes it back with an
// optimistic version check, retrying on version conflicts. fn may return
// errNoChange to skip the write; the current record is returned in that case.
func mutateInstance(ctx context.Context, store InstanceStore, ownerID, id string, fn func(inst *Instance) error) (*Instance, error) {
	var lastErr error
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		inst, err := store.GetInstance(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		if err := fn(inst); err != nil {
			if errors.Is(err, errNoChange) {
				return inst, nil
			}
			return nil, err
		}
		err = store.UpdateInstance(ctx, inst)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// instanceLocks serializes control-plane operations (probe, push) per instance
// within this process.
type instanceLocks struct {
	locks sync.Map
}

func (l *instanceLocks) lock(id string) func() {
	v, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (l *instanceLocks) forget(id string) {
	l.locks.Delete(id)
}

// instanceEvent builds a lifecycle event describing inst.
func instanceEvent(eventType string, inst *Instance, message string) broadcast.Event {
	level := broadcast.EventLevelInfo
	switch inst.Status {
	case StatusError:
		level = broadcast.EventLevelError
	case StatusUnlinked:
		level = broadcast.EventLevelWarning
	}
	return broadcast.Event{
		Type:       eventType,
		InstanceID: inst.ID,
		Kind:       string(inst.Kind),
		Status:     string(inst.Status),
		Address:    inst.Address,
		Message:    message,
		Level:      level,
	}
}

// nopNotifier drops every event.
type nopNotifier struct{}

func (nopNotifier) Broadcast(context.Context, string, broadcast.Event) {}
