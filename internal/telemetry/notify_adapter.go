package telemetry

// CriticalNotifier is the minimal shape internal/notify.Notifier satisfies,
// kept here (rather than imported) so telemetry never depends on a concrete
// external-relay implementation.
type CriticalNotifier interface {
	NotifyCritical(eventType, symbol, details string)
}

// NotifierSubscriber adapts a CriticalNotifier into a Subscriber, relaying
// only CRITICAL events.
type NotifierSubscriber struct {
	notifier CriticalNotifier
}

// NewNotifierSubscriber wraps notifier for registration via Logger.Subscribe.
// A nil notifier yields a no-op subscriber.
func NewNotifierSubscriber(notifier CriticalNotifier) *NotifierSubscriber {
	return &NotifierSubscriber{notifier: notifier}
}

func (s *NotifierSubscriber) Publish(ev Event) {
	if s.notifier == nil || ev.Severity != Critical {
		return
	}
	s.notifier.NotifyCritical(ev.EventType, ev.Symbol, ev.Details)
}
