package querycache

import (
	"context"
	"log/slog"
	"strings"

	"github.com/c360/querycache/columncache"
	"github.com/c360/querycache/config"
	"github.com/c360/querycache/errors"
	"github.com/c360/querycache/flatten"
	"github.com/c360/querycache/health"
	"github.com/c360/querycache/metric"
	"github.com/c360/querycache/natsclient"
	"github.com/c360/querycache/pkg/cache"
	"github.com/c360/querycache/pkg/retry"
	"github.com/c360/querycache/pkg/tlsutil"
	"github.com/c360/querycache/tableevents"
)

// Node holds the caches of one query node and the table event backend that
// keeps them consistent with table loads and removals.
type Node struct {
	Columns   *columncache.Cache
	Flattened *flatten.Manager[*flatten.Table]
	Metrics   *metric.MetricsRegistry

	cfg       *config.Config
	logger    *slog.Logger
	nats      *natsclient.Client
	publisher tableevents.Publisher
	notifier  tableevents.Notifier

	// stop ends the cache subscriptions made by Start.
	stop context.CancelFunc
}

// NodeOption configures a Node.
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	logger    *slog.Logger
	clock     cache.Clock
	transport tableevents.Transport
}

// WithNodeLogger sets the logger.
func WithNodeLogger(logger *slog.Logger) NodeOption {
	return func(o *nodeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithNodeClock sets the time source of every cache.
func WithNodeClock(clock cache.Clock) NodeOption {
	return func(o *nodeOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithTransport carries table events over transport instead of a NATS
// connection built from the configuration. It only applies to the nats
// events backend.
func WithTransport(transport tableevents.Transport) NodeOption {
	return func(o *nodeOptions) {
		o.transport = transport
	}
}

// NewNode validates cfg and creates the caches and event backend it
// describes. Nothing connects until Start.
func NewNode(cfg *config.Config, opts ...NodeOption) (*Node, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "querycache", "NewNode", "config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &nodeOptions{logger: slog.Default(), clock: cache.SystemClock()}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	logger := o.logger.With("node", cfg.Node.ID)
	registry := metric.NewMetricsRegistry()

	columns, err := columncache.New(cfg.ColumnCache,
		columncache.WithClock(o.clock),
		columncache.WithLogger(logger),
		columncache.WithMetrics(registry))
	if err != nil {
		return nil, err
	}

	flattened, err := flatten.New[*flatten.Table](cfg.FlattenCache, flatten.TableSize,
		flatten.WithClock(o.clock),
		flatten.WithLogger(logger),
		flatten.WithMetrics(registry))
	if err != nil {
		return nil, err
	}

	n := &Node{
		Columns:   columns,
		Flattened: flattened,
		Metrics:   registry,
		cfg:       cfg,
		logger:    logger,
	}

	eventOpts := []tableevents.Option{
		tableevents.WithLogger(logger),
		tableevents.WithMetrics(registry),
		tableevents.WithSource(cfg.Node.ID),
	}

	switch cfg.Events.Backend {
	case config.EventsNATS:
		transport := o.transport
		if transport == nil {
			client, err := newNATSClient(cfg, logger, registry)
			if err != nil {
				return nil, err
			}
			n.nats = client
			transport = client
		}
		notifier := tableevents.NewNATSNotifier(transport, cfg.Events.SubjectPrefix, eventOpts...)
		n.publisher, n.notifier = notifier, notifier
	default:
		bus := tableevents.NewBus(eventOpts...)
		n.publisher, n.notifier = bus, bus
	}

	return n, nil
}

func newNATSClient(cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*natsclient.Client, error) {
	name := cfg.NATS.Name
	if name == "" {
		name = cfg.Node.ID
	}
	opts := []natsclient.ClientOption{
		natsclient.WithName(name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.NATS.Timeout))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	tlsConfig, err := tlsutil.LoadClientConfig(cfg.NATS.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "querycache", "NewNode", "create NATS client")
	}
	return client, nil
}

// Start connects to NATS when configured and subscribes the caches to table
// events.
func (n *Node) Start(ctx context.Context) error {
	if n.nats != nil {
		err := retry.Do(ctx, retry.Startup(), func() error {
			return n.nats.Connect(ctx)
		})
		if err != nil {
			return err
		}
		if err := n.nats.WaitForConnection(ctx); err != nil {
			return err
		}
	}

	// ctx bounds startup only; the subscriptions live until Close.
	lifetime, stop := context.WithCancel(context.WithoutCancel(ctx))
	if err := n.Columns.Attach(lifetime, n.notifier); err != nil {
		stop()
		return errors.Wrap(err, "querycache", "Start", "attach column cache")
	}
	if err := n.Flattened.Attach(lifetime, n.notifier); err != nil {
		stop()
		return errors.Wrap(err, "querycache", "Start", "attach flatten cache")
	}
	n.stop = stop

	n.logger.Info("query node caches started",
		"events", n.cfg.Events.Backend,
		"column_capacity_bytes", n.Columns.Capacity(),
		"flatten_capacity_bytes", n.cfg.FlattenCache.CapacityBytes)
	return nil
}

// TableLoaded announces that table was loaded, on this node and, with the
// nats backend, on every node sharing the subject prefix.
func (n *Node) TableLoaded(ctx context.Context, table string) error {
	return n.publisher.Publish(ctx, tableevents.NewEvent(tableevents.TableLoaded, table))
}

// TableRemoved announces that table was removed. Every cache forgets the
// entries derived from it.
func (n *Node) TableRemoved(ctx context.Context, table string) error {
	return n.publisher.Publish(ctx, tableevents.NewEvent(tableevents.TableRemoved, table))
}

// Healthy reports whether the event backend is usable.
func (n *Node) Healthy() bool {
	return n.nats == nil || n.nats.IsHealthy()
}

// Health reports the event transport and both caches.
func (n *Node) Health() health.Status {
	subs := make([]health.Status, 0, 3)
	if n.nats != nil {
		subs = append(subs, health.FromNATS("nats", n.nats.GetStatus(), n.nats.URL()))
	} else {
		subs = append(subs, health.NewHealthy("events", n.cfg.Events.Backend+" event backend"))
	}
	subs = append(subs,
		health.FromCache("column_cache", n.Columns.Stats(), n.Columns.Capacity()),
		health.FromCache("flatten_cache", n.Flattened.Stats(), n.cfg.FlattenCache.CapacityBytes))
	return health.Aggregate(n.cfg.Node.ID, subs)
}

// Close ends the cache subscriptions and drains the NATS connection if the
// node owns one.
func (n *Node) Close(ctx context.Context) error {
	if n.stop != nil {
		n.stop()
	}
	var errs []error
	if n.nats != nil {
		if err := n.nats.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	n.logger.Info("query node caches stopped",
		"column_hit_ratio", n.Columns.Stats().HitRatio(),
		"flatten_hit_ratio", n.Flattened.Stats().HitRatio())
	return errors.Join(errs...)
}
