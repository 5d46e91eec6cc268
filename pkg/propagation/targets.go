package propagation

import (
	"context"

	"github.com/openfroyo/instanced/pkg/engine"
)

// endpoint is the state shared by every target kind.
type endpoint struct {
	client  *Client
	address string
	token   string
}

func (e *endpoint) Address() string { return e.address }

func (e *endpoint) Probe(ctx context.Context) error {
	return e.client.Probe(ctx, e.address, e.token)
}

func (e *endpoint) PushConfig(ctx context.Context, payload *engine.ConfigPayload) error {
	return e.client.Push(ctx, e.address, e.token, payload)
}

// LocalTarget is an instance listening on a loopback port of the daemon host.
type LocalTarget struct{ endpoint }

// NewLocalTarget returns the target for a local instance on port.
func NewLocalTarget(client *Client, port int, token string) *LocalTarget {
	return &LocalTarget{endpoint{client: client, address: engine.LocalAddress(port), token: token}}
}

// Kind implements engine.Target.
func (*LocalTarget) Kind() engine.Kind { return engine.KindLocal }

// RemoteTarget is an instance at an arbitrary URL, usually behind TLS.
type RemoteTarget struct{ endpoint }

// NewRemoteTarget returns the target for a remote instance.
func NewRemoteTarget(client *Client, address, token string) *RemoteTarget {
	return &RemoteTarget{endpoint{client: client, address: address, token: token}}
}

// Kind implements engine.Target.
func (*RemoteTarget) Kind() engine.Kind { return engine.KindRemote }

// CloudTarget is a provider-hosted instance at its provider-assigned URL.
type CloudTarget struct{ endpoint }

// NewCloudTarget returns the target for a cloud instance.
func NewCloudTarget(client *Client, address, token string) *CloudTarget {
	return &CloudTarget{endpoint{client: client, address: address, token: token}}
}

// Kind implements engine.Target.
func (*CloudTarget) Kind() engine.Kind { return engine.KindCloud }

var (
	_ engine.Target = (*LocalTarget)(nil)
	_ engine.Target = (*RemoteTarget)(nil)
	_ engine.Target = (*CloudTarget)(nil)
)
