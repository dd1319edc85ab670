// Package alerting keeps one alert per (query, rule) and moves it through
// its lifecycle as results come in.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beak-insights/BeakDashX/pkg/config"
	"github.com/beak-insights/BeakDashX/pkg/models"
	"github.com/beak-insights/BeakDashX/pkg/store"
)

// DefaultRuleName names the rule synthesized from configuration
const DefaultRuleName = "default"

// maxConflictRetries bounds how often an alert is reloaded after another
// writer updated it first
const maxConflictRetries = 3

// Action is what happened to an alert during Apply
type Action string

const (
	ActionCreated     Action = "created"
	ActionRetriggered Action = "retriggered"
	ActionSuppressed  Action = "suppressed"
	ActionResolved    Action = "resolved"
)

// Decision is the outcome of one rule for one evaluation
type Decision struct {
	Rule   models.AlertRule
	Fired  bool
	Reason string
}

// Transition is one alert state change produced by Apply
type Transition struct {
	Action Action
	Alert  *models.Alert
	Rule   models.AlertRule
	// Notify is set when the change must be delivered to the alert's channels
	Notify bool
}

// Engine applies rule decisions to stored alerts
type Engine struct {
	store store.AlertStore
	cfg   config.AlertsConfig
	now   func() time.Time
}

// NewEngine creates an alert engine
func NewEngine(alerts store.AlertStore, cfg config.AlertsConfig) *Engine {
	return &Engine{
		store: alerts,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the engine clock
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Now returns the engine's current time
func (e *Engine) Now() time.Time {
	return e.now()
}

// Rules returns the rules in force for q, synthesizing the configured
// default rule when q declares none.
func (e *Engine) Rules(q *models.Query) []models.AlertRule {
	if len(q.AlertRules) > 0 || !e.cfg.DefaultRule.Enabled {
		return q.AlertRules
	}
	d := e.cfg.DefaultRule
	channels := make([]models.Channel, 0, len(d.Channels))
	for _, c := range d.Channels {
		channels = append(channels, models.Channel(c))
	}
	return []models.AlertRule{{
		Name:                 DefaultRuleName,
		Description:          fmt.Sprintf("Quality check %q did not pass", q.Name),
		Severity:             models.SeverityMedium,
		NotificationChannels: channels,
		EmailRecipients:      d.EmailRecipients,
		SlackWebhook:         d.SlackWebhook,
		CustomWebhook:        d.CustomWebhook,
		ThrottleMinutes:      d.ThrottleMinutes,
	}}
}

// Decide evaluates every enabled rule of q. It has no side effects. A
// malformed rule yields an error wrapping models.ErrAlertRule and no
// decision; the other rules are still decided.
func (e *Engine) Decide(q *models.Query, verdict models.Verdict, metrics map[string]float64) ([]Decision, []error) {
	var decisions []Decision
	var errs []error
	for _, rule := range e.Rules(q) {
		if rule.Disabled {
			continue
		}
		fired, reason, err := evaluateCondition(rule, verdict, metrics)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		decisions = append(decisions, Decision{Rule: rule, Fired: fired, Reason: reason})
	}
	return decisions, errs
}

// Apply moves the open alerts of q according to decisions and returns the
// transitions. Rules without an open alert that do not fire produce none.
func (e *Engine) Apply(ctx context.Context, q *models.Query, result *models.ExecutionResult, decisions []Decision) ([]Transition, error) {
	open, err := e.store.ListOpenAlerts(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open alerts for query %d: %w", q.ID, err)
	}
	byName := make(map[string]*models.Alert, len(open))
	for _, a := range open {
		// oldest wins if duplicates slipped in
		if _, dup := byName[a.Name]; !dup {
			byName[a.Name] = a
		}
	}

	now := e.now()
	resolvable := verdictOf(result) != models.VerdictError
	log := logrus.WithFields(logrus.Fields{"query_id": q.ID, "result_id": result.ID})

	var transitions []Transition
	for _, d := range decisions {
		alert := byName[d.Rule.Name]
		delete(byName, d.Rule.Name)

		var t *Transition
		switch {
		case d.Fired && alert == nil:
			t, err = e.create(ctx, q, result, d, now)
		case d.Fired:
			t, err = e.retry(ctx, alert, func(a *models.Alert) (*Transition, error) {
				return e.fire(ctx, a, result, d, now)
			})
		case alert != nil && resolvable:
			notify := d.Rule.NotifyOnResolve || e.cfg.NotifyOnResolve
			t, err = e.retry(ctx, alert, func(a *models.Alert) (*Transition, error) {
				return e.resolve(ctx, a, notify, now)
			})
			if t != nil {
				t.Rule = d.Rule
			}
		}
		if err != nil {
			return transitions, err
		}
		if t != nil {
			log.WithField("alert_id", t.Alert.ID).Debugf("Alert %q %s", t.Alert.Name, t.Action)
			transitions = append(transitions, *t)
		}
	}

	// alerts whose rule was removed or disabled. A rule that is still in
	// force but failed to evaluate leaves its alert untouched.
	if resolvable {
		inForce := make(map[string]bool)
		for _, rule := range e.Rules(q) {
			if !rule.Disabled {
				inForce[rule.Name] = true
			}
		}
		for name, alert := range byName {
			if inForce[name] {
				log.WithField("alert_id", alert.ID).Debugf("Alert %q kept, its rule was not decided", name)
				continue
			}
			t, err := e.retry(ctx, alert, func(a *models.Alert) (*Transition, error) {
				return e.resolve(ctx, a, false, now)
			})
			if err != nil {
				return transitions, err
			}
			if t != nil {
				transitions = append(transitions, *t)
			}
		}
	}
	return transitions, nil
}

// retry runs step on alert and, when the write lost to a concurrent update,
// on a fresh copy. An alert closed in the meantime is left as it is: a
// manual resolve outranks the run that read the alert before it.
func (e *Engine) retry(ctx context.Context, alert *models.Alert, step func(a *models.Alert) (*Transition, error)) (*Transition, error) {
	for attempt := 0; ; attempt++ {
		t, err := step(alert)
		if !errors.Is(err, models.ErrConflict) || attempt == maxConflictRetries {
			return t, err
		}
		fresh, err := e.store.GetAlert(ctx, alert.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload alert %d: %w", alert.ID, err)
		}
		if !fresh.Open() {
			logrus.WithField("alert_id", alert.ID).Infof("Alert %q was %s while the run was in flight", fresh.Name, fresh.Status)
			return nil, nil
		}
		alert = fresh
	}
}

// update loads an alert, applies change and stores it, starting over from
// a fresh read when another writer got there first
func (e *Engine) update(ctx context.Context, alertID int64, change func(a *models.Alert) (bool, error)) (*models.Alert, error) {
	for attempt := 0; ; attempt++ {
		alert, err := e.store.GetAlert(ctx, alertID)
		if err != nil {
			return nil, err
		}
		write, err := change(alert)
		if err != nil || !write {
			return alert, err
		}
		err = e.store.UpdateAlert(ctx, alert)
		if err == nil {
			return alert, nil
		}
		if !errors.Is(err, models.ErrConflict) || attempt == maxConflictRetries {
			return nil, err
		}
	}
}

func (e *Engine) create(ctx context.Context, q *models.Query, result *models.ExecutionResult, d Decision, now time.Time) (*Transition, error) {
	triggered := now
	alert := &models.Alert{
		UserID:               q.UserID,
		QueryID:              q.ID,
		SpaceID:              q.SpaceID,
		ExecutionResultID:    resultID(result),
		Name:                 d.Rule.Name,
		Description:          describe(d),
		Severity:             severityOf(d.Rule),
		Condition:            d.Rule.Condition,
		Status:               models.AlertStatusActive,
		Enabled:              true,
		NotificationChannels: d.Rule.NotificationChannels,
		EmailRecipients:      d.Rule.EmailRecipients,
		SlackWebhook:         d.Rule.SlackWebhook,
		CustomWebhook:        d.Rule.CustomWebhook,
		ThrottleMinutes:      d.Rule.ThrottleMinutes,
		LastTriggeredAt:      &triggered,
	}
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to create alert %q: %w", d.Rule.Name, err)
	}
	return &Transition{Action: ActionCreated, Alert: alert, Rule: d.Rule, Notify: true}, nil
}

func (e *Engine) fire(ctx context.Context, alert *models.Alert, result *models.ExecutionResult, d Decision, now time.Time) (*Transition, error) {
	if alert.Status == models.AlertStatusSnoozed {
		if alert.SnoozedUntil != nil && now.Before(*alert.SnoozedUntil) {
			return e.suppress(ctx, alert, d.Rule, now)
		}
		// snooze expired
		alert.Status = models.AlertStatusActive
		alert.SnoozedUntil = nil
	}

	// the rule may have been edited since the alert was raised
	syncRule(alert, d.Rule)

	escalated := severityOf(d.Rule).Rank() > alert.Severity.Rank()
	throttle := time.Duration(alert.ThrottleMinutes) * time.Minute
	elapsed := alert.LastTriggeredAt == nil || now.Sub(*alert.LastTriggeredAt) >= throttle
	if !escalated && !elapsed {
		return e.suppress(ctx, alert, d.Rule, now)
	}

	triggered := now
	alert.LastTriggeredAt = &triggered
	alert.ExecutionResultID = resultID(result)
	alert.Severity = severityOf(d.Rule)
	alert.Description = describe(d)
	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to re-trigger alert %d: %w", alert.ID, err)
	}
	return &Transition{Action: ActionRetriggered, Alert: alert, Rule: d.Rule, Notify: alert.Enabled}, nil
}

func (e *Engine) suppress(ctx context.Context, alert *models.Alert, rule models.AlertRule, now time.Time) (*Transition, error) {
	suppressed := now
	alert.SuppressedCount++
	alert.LastSuppressedAt = &suppressed
	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to record suppression of alert %d: %w", alert.ID, err)
	}
	return &Transition{Action: ActionSuppressed, Alert: alert, Rule: rule}, nil
}

func (e *Engine) resolve(ctx context.Context, alert *models.Alert, notify bool, now time.Time) (*Transition, error) {
	resolved := now
	alert.Status = models.AlertStatusResolved
	alert.ResolvedAt = &resolved
	alert.SnoozedUntil = nil
	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to resolve alert %d: %w", alert.ID, err)
	}
	return &Transition{Action: ActionResolved, Alert: alert, Notify: notify && alert.Enabled}, nil
}

// Snooze silences an open alert until the given time
func (e *Engine) Snooze(ctx context.Context, alertID int64, until time.Time) (*models.Alert, error) {
	if !until.After(e.now()) {
		return nil, fmt.Errorf("%w: snooze must end in the future", models.ErrInvalidInput)
	}
	u := until.UTC()
	alert, err := e.update(ctx, alertID, func(a *models.Alert) (bool, error) {
		if a.Status == models.AlertStatusResolved {
			return false, fmt.Errorf("%w: alert %d is resolved", models.ErrInvalidInput, alertID)
		}
		a.Status = models.AlertStatusSnoozed
		a.SnoozedUntil = &u
		return true, nil
	})
	if err != nil {
		return nil, wrapUpdate("snooze", alertID, err)
	}
	logrus.Infof("Alert %d snoozed until %s", alertID, u.Format(time.RFC3339))
	return alert, nil
}

// Resolve closes an alert by hand. Resolving a resolved alert is a no-op.
func (e *Engine) Resolve(ctx context.Context, alertID int64) (*models.Alert, error) {
	now := e.now()
	alert, err := e.update(ctx, alertID, func(a *models.Alert) (bool, error) {
		if a.Status == models.AlertStatusResolved {
			return false, nil
		}
		a.Status = models.AlertStatusResolved
		a.ResolvedAt = &now
		a.SnoozedUntil = nil
		return true, nil
	})
	if err != nil {
		return nil, wrapUpdate("resolve", alertID, err)
	}
	logrus.Infof("Alert %d resolved manually", alertID)
	return alert, nil
}

// Reactivate returns a resolved or snoozed alert to active
func (e *Engine) Reactivate(ctx context.Context, alertID int64) (*models.Alert, error) {
	alert, err := e.update(ctx, alertID, func(a *models.Alert) (bool, error) {
		if a.Status == models.AlertStatusActive {
			return false, nil
		}
		a.Status = models.AlertStatusActive
		a.ResolvedAt = nil
		a.SnoozedUntil = nil
		return true, nil
	})
	if err != nil {
		return nil, wrapUpdate("reactivate", alertID, err)
	}
	logrus.Infof("Alert %d reactivated", alertID)
	return alert, nil
}

// wrapUpdate keeps lookup and input errors as they are
func wrapUpdate(action string, alertID int64, err error) error {
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidInput) {
		return err
	}
	return fmt.Errorf("failed to %s alert %d: %w", action, alertID, err)
}

func syncRule(alert *models.Alert, rule models.AlertRule) {
	alert.Condition = rule.Condition
	alert.NotificationChannels = rule.NotificationChannels
	alert.EmailRecipients = rule.EmailRecipients
	alert.SlackWebhook = rule.SlackWebhook
	alert.CustomWebhook = rule.CustomWebhook
	alert.ThrottleMinutes = rule.ThrottleMinutes
}

func severityOf(rule models.AlertRule) models.Severity {
	if rule.Severity == "" {
		return models.SeverityMedium
	}
	return rule.Severity
}

func describe(d Decision) string {
	if d.Rule.Description == "" {
		return d.Reason
	}
	if d.Reason == "" {
		return d.Rule.Description
	}
	return d.Rule.Description + ": " + d.Reason
}

func resultID(r *models.ExecutionResult) *int64 {
	if r == nil || r.ID == 0 {
		return nil
	}
	id := r.ID
	return &id
}

func verdictOf(r *models.ExecutionResult) models.Verdict {
	if r.Status == models.ExecutionError {
		return models.VerdictError
	}
	if v := r.Verdict(); v != "" {
		return v
	}
	if r.Status == models.ExecutionFailure {
		return models.VerdictFail
	}
	return models.VerdictPass
}
