/*
Package events provides an in-memory event broker for the agent's
lifecycle notifications.

Components publish what happened (a session was created, a job started or
completed, an update began) and subscribers react without the publisher
knowing about them. The metrics collector and the job history recorder are
the two subscribers wired by the run command.

Publish never blocks on a slow subscriber: each subscriber has a buffered
channel and events that do not fit are dropped for that subscriber only.
Publish does block while the broker's own queue is full, which bounds how
far publishers can run ahead of delivery.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			log.Logger.Info().Str("event", string(ev.Type)).Msg("Event")
		}
	}()

	broker.Publish(&events.Event{Type: events.EventJobStarted, Job: record})

Stop drains events already queued before returning, so a job.completed
published just before shutdown still reaches subscribers.
*/
package events
