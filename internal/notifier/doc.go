// Package notifier fans a Message out to a set of named channels.
//
// Each channel is an Endpoint wrapping a Transport (webhook, Telegram, SNS,
// ...) with an optional sliding-window RateLimiter. The Dispatcher resolves
// the target channels for a message from its priority, sends to all of them
// concurrently under a global concurrency bound, aggregates a Result and
// queues a retry for the channels that failed or were rate limited.
//
// # Retry
//
// Retries are processed by a single background loop started with
// Dispatcher.Start. A retry message targets only the undelivered channels,
// carries the id "<id>_retry_<n>" and waits backoff_base^n seconds before
// it is dispatched again.
package notifier
