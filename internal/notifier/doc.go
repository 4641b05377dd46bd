// Package notifier is the delivery sink behind the triage pipeline.
//
// Messages are queued without blocking the caller and sent by a small worker
// pool through a transport.Adapter (Telegram in production), under a
// token-bucket rate limit with jittered exponential retry.
//
// # Feedback
//
// Single notifications carry "useful"/"noise" inline buttons. Their callback
// data encodes the category and notification id (see FeedbackData) and is
// handled by the commands package.
//
// # History
//
// The service keeps a small in-memory history of recently sent messages for
// status surfaces.
package notifier
