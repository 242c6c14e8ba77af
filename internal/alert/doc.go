// Package alert forwards failed automation activity to operators over
// Telegram.
//
// Service is an activity log sink with a small async pipeline: a bounded
// queue, a worker, a token-bucket rate limit, retries and a dedup window so a
// user failing every minute produces one message per window, not sixty.
package alert
