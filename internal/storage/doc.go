// Package storage persists schedules, occurrences, the contact directory and
// the event audit log.
//
// The only backend is SQLite (modernc.org/sqlite, pure Go). The unique index on
// occurrences(schedule_id, nominal_time) is what keeps occurrence creation
// idempotent when ticks overlap or several engines share one database file.
package storage
