// Package schedule turns declarative recurrence descriptions into runnable jobs.
//
// # Model
//
// An Expression is a base Interval followed by an ordered list of Adjustments:
//
//   - At(t): fire at time-of-day t (replaces the current condition's offsets)
//   - Plus(i): shift the current condition's cycle start by i (replaces an At)
//   - AndEvery(i): add an independent firing condition; later At/Plus refine it
//   - Count(n): stop after n executions
//   - RepeatingEvery(i, n): after each regular firing, fire again every i, n times
//
// Adjustments mutate a job builder left to right, so their order matters.
//
// # Execution
//
// Compile registers a Job on a Scheduler. The Scheduler never runs on its own:
// the caller drives it with Advance on a fixed cadence. Due jobs are handed to
// the executor without waiting and their next fire time is recomputed from the
// expression at the current time, so late ticks never cause catch-up bursts.
package schedule
