package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

// Publisher delivers pipeline events to an outside audience
type Publisher interface {
	Publish(ctx context.Context, e models.Event) error
}

// Fanout publishes every event to each publisher in turn. A failing
// publisher is logged and does not stop the others.
type Fanout []Publisher

// Publish implements Publisher
func (f Fanout) Publish(ctx context.Context, e models.Event) error {
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			logrus.Warnf("Failed to publish %s event: %v", e.Type, err)
		}
	}
	return nil
}

func newEvent(t models.EventType, q *models.Query, alertID int64, payload map[string]any) models.Event {
	return models.Event{
		ID:         uuid.NewString(),
		Type:       t,
		UserID:     q.UserID,
		QueryID:    q.ID,
		AlertID:    alertID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Recorder receives pipeline counters, typically for metrics
type Recorder interface {
	ExecutionRecorded(status models.ExecutionStatus, verdict models.Verdict, d time.Duration)
	AlertTransition(action string)
	NotificationAttempt(channel models.Channel, status models.NotificationStatus)
}

type nopRecorder struct{}

func (nopRecorder) ExecutionRecorded(models.ExecutionStatus, models.Verdict, time.Duration) {}
func (nopRecorder) AlertTransition(string) {}
func (nopRecorder) NotificationAttempt(models.Channel, models.NotificationStatus) {}
