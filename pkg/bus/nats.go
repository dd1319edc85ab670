// Package bus connects the service to NATS: pipeline events go out and
// run requests from the dashboard come in.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

// DefaultPrefix is used when no subject prefix is configured
const DefaultPrefix = "dbqa"

// Subjects accepted from the dashboard, relative to the prefix
const (
	SubjectRun     = "query.run"
	SubjectCancel  = "query.cancel"
	SubjectDeleted = "query.deleted"
)

// Connect dials NATS with reconnects logged through logrus
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logrus.Warnf("Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logrus.Infof("Reconnected to NATS at %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

func subject(prefix, name string) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + name
}

// conn is the part of *nats.Conn the publisher needs
type conn interface {
	Publish(subj string, data []byte) error
}

// Publisher sends pipeline events to <prefix>.<event type>
type Publisher struct {
	conn   conn
	prefix string
}

// NewPublisher creates a publisher on an open connection
func NewPublisher(nc *nats.Conn, prefix string) *Publisher {
	return &Publisher{conn: nc, prefix: prefix}
}

// Publish implements services.Publisher
func (p *Publisher) Publish(_ context.Context, e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.Type, err)
	}
	return p.conn.Publish(subject(p.prefix, string(e.Type)), data)
}
