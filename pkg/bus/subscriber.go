package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// Command is the body of every request subject
type Command struct {
	QueryID     int64  `json:"queryId"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// Handler carries out requests received from the bus
type Handler interface {
	RunFromEvent(ctx context.Context, queryID int64) error
	CancelRun(queryID int64) bool
	QueryDeleted(ctx context.Context, queryID int64) error
}

// Subscriber listens for run, cancel and delete requests
type Subscriber struct {
	conn    *nats.Conn
	prefix  string
	handler Handler
	subs    []*nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewSubscriber creates a subscriber on an open connection
func NewSubscriber(nc *nats.Conn, prefix string, handler Handler) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		conn:    nc,
		prefix:  prefix,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to every request subject
func (s *Subscriber) Start() error {
	for _, name := range []string{SubjectRun, SubjectCancel, SubjectDeleted} {
		subj := subject(s.prefix, name)
		sub, err := s.conn.Subscribe(subj, func(msg *nats.Msg) {
			s.handle(msg.Subject, msg.Data)
		})
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("failed to subscribe to %s: %w", subj, err)
		}
		s.subs = append(s.subs, sub)
		logrus.Infof("Subscribed to %s", subj)
	}
	return nil
}

// handle dispatches one message. Runs happen in the background so a slow
// query does not hold up the subscription.
func (s *Subscriber) handle(subj string, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.QueryID <= 0 {
		logrus.Warnf("Ignoring malformed message on %s: %s", subj, string(data))
		return
	}
	log := logrus.WithFields(logrus.Fields{"subject": subj, "query_id": cmd.QueryID, "requested_by": cmd.RequestedBy})

	switch {
	case strings.HasSuffix(subj, "."+SubjectRun):
		s.wg.Go(func() {
			if err := s.handler.RunFromEvent(s.ctx, cmd.QueryID); err != nil {
				log.Errorf("Requested run failed: %v", err)
			}
		})
	case strings.HasSuffix(subj, "."+SubjectCancel):
		if !s.handler.CancelRun(cmd.QueryID) {
			log.Debug("No run in flight to cancel")
		}
	case strings.HasSuffix(subj, "."+SubjectDeleted):
		if err := s.handler.QueryDeleted(s.ctx, cmd.QueryID); err != nil {
			log.Errorf("Failed to handle deleted query: %v", err)
		}
	default:
		log.Warn("Unexpected subject")
	}
}

func (s *Subscriber) unsubscribe() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			logrus.Warnf("Failed to unsubscribe from %s: %v", sub.Subject, err)
		}
	}
	s.subs = nil
}

// Close unsubscribes, cancels requested runs and waits for them to return
func (s *Subscriber) Close() {
	s.unsubscribe()
	s.cancel()
	s.wg.Wait()
}
