package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
)

// Publisher is the part of *nats.Conn the channel needs.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Close()
}

var propagator = propagation.TraceContext{}

type NATSChannel struct {
	conn    Publisher
	subject string
}

// DialNATS connects to url; an empty url uses nats.DefaultURL.
func DialNATS(url, subject string) (*NATSChannel, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("avsweep"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSChannel(nc, subject), nil
}

func NewNATSChannel(conn Publisher, subject string) *NATSChannel {
	return &NATSChannel{conn: conn, subject: subject}
}

func (n *NATSChannel) Name() string { return "nats" }

func (n *NATSChannel) Send(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	hdr.Set("Avsweep-Run-Id", alert.RunID)
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	if err := n.conn.PublishMsg(&nats.Msg{Subject: n.subject, Data: data, Header: hdr}); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return n.conn.FlushWithContext(ctx)
}

func (n *NATSChannel) Close() error {
	n.conn.Close()
	return nil
}
