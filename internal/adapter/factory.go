package adapter

import (
	"context"

	"github.com/google/uuid"
	"github.com/roomcast/roomcast/internal/bus"
	"github.com/roomcast/roomcast/internal/observability"
	"github.com/roomcast/roomcast/internal/rooms"
)

// Factory holds the identity and configuration shared by every
// namespace adapter of one instance: the instance id (which names the bus
// subscription and marks self-originated envelopes), the channel prefix
// (which names the shared topic), the bus client, and the error sink.
type Factory struct {
	instanceID string
	prefix     string
	client     bus.Client
	sink       func(error)
	metrics    *observability.Metrics
}

// Option configures a Factory.
type Option func(*Factory)

// WithChannelPrefix overrides DefaultChannelPrefix. Instances that should
// see each other's broadcasts must share a prefix.
func WithChannelPrefix(prefix string) Option {
	return func(f *Factory) {
		if prefix != "" {
			f.prefix = prefix
		}
	}
}

// WithErrorSink routes transport errors to fn instead of the log. fn must
// not block.
func WithErrorSink(fn func(error)) Option {
	return func(f *Factory) { f.sink = fn }
}

// WithMetrics records adapter activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithInstanceID overrides the generated instance identity. Identities must
// be unique across concurrently running instances sharing a prefix; outside
// tests there is rarely a reason to set one.
func WithInstanceID(id string) Option {
	return func(f *Factory) {
		if id != "" {
			f.instanceID = id
		}
	}
}

// NewFactory creates a factory with a fresh instance identity.
func NewFactory(client bus.Client, opts ...Option) *Factory {
	f := &Factory{
		instanceID: uuid.NewString(),
		prefix:     DefaultChannelPrefix,
		client:     client,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// InstanceID returns the identity shared by all adapters of this factory.
func (f *Factory) InstanceID() string { return f.instanceID }

// ChannelPrefix returns the configured channel prefix.
func (f *Factory) ChannelPrefix() string { return f.prefix }

// For creates the adapter for a namespace, wrapping its local rooms
// primitive. Subscription setup starts immediately and completes in the
// background; operations that need it wait via WaitUntilReady.
func (f *Factory) For(namespace string, local rooms.Broadcaster) *Adapter {
	if namespace == "" {
		namespace = RootNamespace
	}
	a := &Adapter{
		namespace:  namespace,
		channel:    channelFor(f.prefix, namespace),
		instanceID: f.instanceID,
		prefix:     f.prefix,
		client:     f.client,
		local:      local,
		sink:       f.sink,
		metrics:    f.metrics,
	}
	if _, mine := a.beginInit(); mine {
		go func() { _ = a.completeInit(context.Background()) }()
	}
	return a
}
