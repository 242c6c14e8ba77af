// Package executor runs the actions the dispatch loop schedules: generating
// and publishing a post, and answering ranked questions.
//
// Every network call gets its own bounded timeout. Failures are recorded in
// the activity log and returned wrapped with engine.NoRetry: a failed
// occurrence is skipped and the next trigger tries again.
package executor
