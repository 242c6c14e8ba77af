// Package scheduler triggers maintenance jobs (activity pruning, store
// compaction, status reports) from cron expressions or fixed intervals.
//
// It only computes trigger times. Every firing becomes a task enqueued on the
// engine, so maintenance shares the worker pool, panic recovery and overlap
// gating with the per-user automation work.
package scheduler
