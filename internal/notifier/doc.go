// Package notifier delivers operator notifications about job health.
//
// A notification is addressed to one recipient. Callers raise an Alert and
// the service fans it out to every member of the configured privileged role
// (resolved through a RoleResolver), then delivers each copy to a Sink.
//
// # Pipeline
//
// Delivery is asynchronous: queue, worker pool, token-bucket rate limit,
// retry with exponential backoff and an optional dedup window. Lifecycle
// signals are published on the event bus as notifier.* events.
//
// # Sinks
//
// LogSink writes notifications to the structured log; TelegramSink sends them
// through the Telegram Bot API, treating the recipient id as a chat id.
package notifier
