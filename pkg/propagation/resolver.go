package propagation

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/instanced/pkg/engine"
)

// Resolver builds the Target of an instance, unsealing its token just before use.
type Resolver struct {
	trusted *Client
	remote  *Client
	sealer  engine.Sealer
}

var _ engine.TargetResolver = (*Resolver)(nil)

// NewResolver creates a resolver. Remote targets get a client honoring
// cfg.InsecureSkipVerify; local and cloud targets always verify TLS.
func NewResolver(cfg Config, sealer engine.Sealer, logger zerolog.Logger) (*Resolver, error) {
	if sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	trusted, err := NewClient(cfg, false, logger)
	if err != nil {
		return nil, err
	}
	remote := trusted
	if cfg.InsecureSkipVerify {
		if remote, err = NewClient(cfg, true, logger); err != nil {
			return nil, err
		}
	}
	return &Resolver{trusted: trusted, remote: remote, sealer: sealer}, nil
}

// Resolve implements engine.TargetResolver.
func (r *Resolver) Resolve(inst *engine.Instance) (engine.Target, error) {
	token, err := r.token(inst)
	if err != nil {
		return nil, err
	}

	switch inst.Kind {
	case engine.KindLocal:
		if inst.Port <= 0 {
			return nil, engine.NewValidationError("port", "local instance has no port").WithResource(inst.ID)
		}
		return NewLocalTarget(r.trusted, inst.Port, token), nil
	case engine.KindRemote:
		if inst.Address == "" {
			return nil, engine.NewValidationError("address", "remote instance has no address").WithResource(inst.ID)
		}
		return NewRemoteTarget(r.remote, inst.Address, token), nil
	case engine.KindCloud:
		if inst.Address == "" {
			return nil, engine.NewTransientError("cloud instance has no address yet", nil).
				WithCode(engine.ErrCodeUnreachable).
				WithResource(inst.ID)
		}
		return NewCloudTarget(r.trusted, inst.Address, token), nil
	default:
		return nil, engine.NewValidationError("kind", fmt.Sprintf("unknown instance kind %q", inst.Kind))
	}
}

func (r *Resolver) token(inst *engine.Instance) (string, error) {
	if inst.SealedToken == "" {
		return "", nil
	}
	plain, err := r.sealer.Open(inst.SealedToken)
	if err != nil {
		return "", engine.NewDecryptError("instance token", err).WithResource(inst.ID)
	}
	return string(plain), nil
}
