package engine

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle status of an Instance.
type Status string

const (
	// StatusCreating indicates the backing cloud resource is being provisioned.
	StatusCreating Status = "creating"

	// StatusConnecting indicates a linked instance is being probed for the first time.
	StatusConnecting Status = "connecting"

	// StatusIdle indicates the instance is reachable and has no configuration applied.
	StatusIdle Status = "idle"

	// StatusActive indicates the attached configuration was last pushed successfully.
	StatusActive Status = "active"

	// StatusError indicates the last probe, push or provisioning attempt failed.
	StatusError Status = "error"

	// StatusUnlinked indicates the target rejected our credentials or does not speak the
	// control protocol. Only an explicit relink leaves this state.
	StatusUnlinked Status = "unlinked"
)

// AllStatuses lists every lifecycle status.
var AllStatuses = []Status{
	StatusCreating, StatusConnecting, StatusIdle, StatusActive, StatusError, StatusUnlinked,
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusCreating, StatusConnecting, StatusIdle, StatusActive, StatusError, StatusUnlinked:
		return nil
	default:
		return fmt.Errorf("invalid instance status: %s", s)
	}
}

// IsTransitional returns true while the instance has not yet been confirmed reachable.
func (s Status) IsTransitional() bool {
	return s == StatusCreating || s == StatusConnecting
}

// IsReachable returns true if the last interaction with the instance succeeded.
func (s Status) IsReachable() bool {
	return s == StatusIdle || s == StatusActive
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := Status(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// Kind is the hosting model of an Instance.
type Kind string

const (
	// KindCloud instances run on the compute provider and are provisioned by us.
	KindCloud Kind = "cloud"

	// KindLocal instances run on the same host and are reached over loopback HTTP.
	KindLocal Kind = "local"

	// KindRemote instances run anywhere reachable over HTTP(S).
	KindRemote Kind = "remote"
)

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindCloud, KindLocal, KindRemote:
		return nil
	default:
		return fmt.Errorf("invalid instance kind: %s", k)
	}
}

// transitions is the lifecycle graph. Self-transitions are always allowed and
// are not listed. Leaving unlinked requires an explicit relink.
var transitions = map[Status][]Status{
	StatusCreating:   {StatusConnecting, StatusIdle, StatusActive, StatusError, StatusUnlinked},
	StatusConnecting: {StatusIdle, StatusActive, StatusError, StatusUnlinked},
	StatusIdle:       {StatusActive, StatusError, StatusUnlinked},
	StatusActive:     {StatusIdle, StatusError, StatusUnlinked},
	StatusError:      {StatusConnecting, StatusIdle, StatusActive, StatusUnlinked},
	StatusUnlinked:   {},
}

// CanTransition reports whether the lifecycle allows moving from one status to another
// without operator intervention.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves inst to the target status, enforcing the lifecycle graph and the
// rule that an active instance always has a configuration attached.
func (inst *Instance) Transition(to Status) error {
	if err := to.Validate(); err != nil {
		return NewValidationError("status", err.Error())
	}
	if !CanTransition(inst.Status, to) {
		return NewConflictError(fmt.Sprintf("illegal transition %s -> %s", inst.Status, to), nil).
			WithCode(ErrCodeConflict).
			WithResource(inst.ID)
	}
	if to == StatusActive && inst.ConfigurationID == "" {
		return NewConflictError("cannot activate an instance without a configuration", nil).
			WithCode(ErrCodeConflict).
			WithResource(inst.ID)
	}
	inst.Status = to
	inst.Healthy = to.IsReachable()
	return nil
}

// Relink resets an instance to connecting. This is the only way out of unlinked.
func (inst *Instance) Relink() {
	inst.Status = StatusConnecting
	inst.Healthy = false
	inst.StatusMessage = ""
}

// StatusAfterPushFailure maps a classified configuration push failure to the status
// the instance must take. Connection failures unlink remote and cloud targets but
// only error a local one.
func StatusAfterPushFailure(kind Kind, err error) Status {
	switch CodeOf(err) {
	case ErrCodeUnauthorized, ErrCodeForeignEndpoint:
		return StatusUnlinked
	case ErrCodeUnreachable:
		if kind == KindLocal {
			return StatusError
		}
		return StatusUnlinked
	default:
		return StatusError
	}
}

// StatusAfterProbeFailure maps a classified liveness probe failure to a status.
// A target that answers but rejects us, or is not one of ours, is unlinked;
// anything else is an error the next sync may recover from.
func StatusAfterProbeFailure(err error) Status {
	switch CodeOf(err) {
	case ErrCodeUnauthorized, ErrCodeForeignEndpoint:
		return StatusUnlinked
	default:
		return StatusError
	}
}
