package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/beak-insights/BeakDashX/pkg/models"
	"github.com/beak-insights/BeakDashX/pkg/store"
)

// Dispatcher fans a message out to an alert's channels and logs every
// attempt
type Dispatcher struct {
	channels map[models.Channel]Channel
	store    store.NotificationStore
	now      func() time.Time
}

// NewDispatcher creates a dispatcher over the given channels
func NewDispatcher(notifications store.NotificationStore, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[models.Channel]Channel, len(channels)),
		store:    notifications,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, c := range channels {
		d.channels[c.Kind()] = c
	}
	return d
}

// Dispatch sends msg on every channel of alert concurrently and waits for
// all of them. It writes one notification row per attempt; a failed
// delivery never affects the others.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.Alert, msg Message) []models.AlertNotification {
	kinds := uniqueChannels(alert.NotificationChannels)
	rows := make([]models.AlertNotification, len(kinds))
	content := msg.Content()

	var wg conc.WaitGroup
	for i, kind := range kinds {
		wg.Go(func() {
			rows[i] = d.attempt(ctx, alert, kind, msg, content)
		})
	}
	wg.Wait()

	log := logrus.WithFields(logrus.Fields{"alert_id": alert.ID, "query_id": alert.QueryID})
	for i := range rows {
		if err := d.store.CreateNotification(ctx, &rows[i]); err != nil {
			log.Errorf("Failed to record %s notification: %v", rows[i].Channel, err)
		}
		if rows[i].Status == models.NotificationFailed {
			log.Warnf("Notification via %s failed: %s", rows[i].Channel, rows[i].ErrorMessage)
		} else {
			log.Debugf("Notification via %s sent", rows[i].Channel)
		}
	}
	return rows
}

func (d *Dispatcher) attempt(ctx context.Context, alert *models.Alert, kind models.Channel, msg Message, content map[string]any) models.AlertNotification {
	row := models.AlertNotification{
		AlertID: alert.ID,
		Channel: kind,
		Status:  models.NotificationSent,
		Content: content,
	}

	var err error
	if ch, ok := d.channels[kind]; ok {
		err = ch.Send(ctx, alert, msg)
	} else {
		err = fmt.Errorf("channel %q is not configured", kind)
	}
	row.SentAt = d.now()
	if err != nil {
		row.Status = models.NotificationFailed
		row.ErrorMessage = fmt.Errorf("%w: %w", models.ErrNotificationDelivery, err).Error()
	}
	return row
}

func uniqueChannels(channels []models.Channel) []models.Channel {
	seen := make(map[models.Channel]bool, len(channels))
	out := make([]models.Channel, 0, len(channels))
	for _, c := range channels {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
