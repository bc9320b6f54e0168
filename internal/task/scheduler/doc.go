// Package scheduler runs named maintenance jobs on cron or interval schedules.
//
// Jobs run on robfig/cron goroutines with panic recovery, overlap skipping
// and a per-run timeout. Registering a name twice replaces the earlier job.
package scheduler
