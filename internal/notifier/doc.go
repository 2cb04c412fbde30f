// Package notifier delivers operator alerts.
//
// Alerts are queued and sent by a small worker pool through a
// transport.Sender (the Telegram bot in production). Sends are rate limited,
// retried with jittered backoff and deduplicated: an identical alert to the
// same chat is suppressed for DedupWindow, optionally across restarts through
// a storage.DedupStore.
//
// Watch turns relay events (account disabled, verification challenge) into
// alerts.
package notifier
