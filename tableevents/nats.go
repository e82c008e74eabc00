package tableevents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360/querycache/errors"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "querycache"

// Transport is the subset of natsclient.Client the notifier needs.
// testutil.MockNATSClient satisfies it as well.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// NATSNotifier carries table lifecycle events over NATS. Events are JSON
// encoded on "<prefix>.table.loaded" and "<prefix>.table.removed".
type NATSNotifier struct {
	transport Transport
	prefix    string
	opts      *options
}

// NewNATSNotifier creates a notifier on transport. An empty prefix means
// DefaultSubjectPrefix.
func NewNATSNotifier(transport Transport, prefix string, opts ...Option) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{
		transport: transport,
		prefix:    prefix,
		opts:      applyOptions(opts...),
	}
}

// Prefix returns the subject prefix.
func (n *NATSNotifier) Prefix() string {
	return n.prefix
}

// Publish encodes event and publishes it on its subject.
func (n *NATSNotifier) Publish(ctx context.Context, event Event) error {
	if event.Source == "" {
		event.Source = n.opts.source
	}
	if err := event.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.WrapInvalid(err, "NATSNotifier", "Publish", "marshal event")
	}

	subject := event.Subject(n.prefix)
	if err := n.transport.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "NATSNotifier", "Publish", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// Subscribe delivers every decodable event under the prefix to listener.
// Malformed payloads are logged and dropped.
func (n *NATSNotifier) Subscribe(ctx context.Context, listener Listener) error {
	subject := n.prefix + ".table.>"

	err := n.transport.Subscribe(ctx, subject, func(msgCtx context.Context, data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			n.drop(data, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
				"NATSNotifier", "Subscribe", "decode event"))
			return
		}
		if err := event.Validate(); err != nil {
			n.drop(data, err)
			return
		}

		n.opts.metrics.RecordTableEvent(string(event.Type))
		listener(msgCtx, event)
	})
	if err != nil {
		return errors.WrapTransient(err, "NATSNotifier", "Subscribe", fmt.Sprintf("subscribe to %s", subject))
	}

	n.opts.logger.Debug("subscribed to table events", "subject", subject)
	return nil
}

func (n *NATSNotifier) drop(data []byte, err error) {
	n.opts.metrics.RecordTableEventDropped()
	n.opts.logger.Warn("dropping malformed table event", "error", err, "bytes", len(data))
}
