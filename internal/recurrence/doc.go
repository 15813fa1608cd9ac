// Package recurrence turns schedule expressions into nominal fire instants.
//
// Expressions are cron specs (parsed with robfig/cron) or daily slot lists.
// Evaluation is pure: the same rule, window and location always yield the same
// instants, which is what makes occurrence creation idempotent across ticks.
// All day arithmetic builds new time values with time.Date/AddDate.
package recurrence
