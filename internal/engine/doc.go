// Package engine turns schedules into delivered, acknowledged or missed
// occurrences.
//
// Two periodic loops drive it. The fast tick evaluates every enabled
// recurring schedule over a trailing compensation window, materializes the
// nominal instants it finds and dispatches whatever is due. The slow sweep
// ages stale pending occurrences to missed and escalates them once to the
// subject's care links. Finite dose courses are generated in full when the
// schedule is created or edited and never evaluated by the tick.
//
// Every step re-derives its work from the store and is safe to run twice, so
// overlapping ticks and restarts only cost duplicate reads.
package engine
