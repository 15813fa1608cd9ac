package app

import (
	"context"
	"time"

	"carecue/internal/eventbus"
	"carecue/internal/storage"
	logx "carecue/pkg/logx"
)

// toStoreEvent converts a bus event into an audit row. Events that carry no
// engine payload are still recorded with their type.
func toStoreEvent(e eventbus.Event) storage.Event {
	se := storage.Event{At: e.Time, Kind: e.Type}
	switch p := e.Data.(type) {
	case eventbus.Payload:
		se.ScheduleID = p.ScheduleID
		se.OccurrenceID = p.OccurrenceID
		se.SubjectID = p.SubjectID
		se.Detail = p.Detail
	case *eventbus.Payload:
		if p != nil {
			se.ScheduleID = p.ScheduleID
			se.OccurrenceID = p.OccurrenceID
			se.SubjectID = p.SubjectID
			se.Detail = p.Detail
		}
	}
	return se
}

func appendAudit(ctx context.Context, store storage.Store, log logx.Logger, e eventbus.Event) {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := store.AppendEvent(wctx, toStoreEvent(e)); err != nil {
		log.Warn("audit append failed", logx.String("type", e.Type), logx.Err(err))
	}
}

// auditLoop persists bus events until ctx ends. Writes use a context detached
// from ctx's cancellation so the final events before shutdown still land.
func auditLoop(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			drainAudit(wctx, events, store, log)
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			appendAudit(wctx, store, log, e)
		}
	}
}

// drainAudit writes whatever is already buffered without waiting for more.
func drainAudit(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) int {
	n := 0
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return n
			}
			appendAudit(ctx, store, log, e)
			n++
		default:
			return n
		}
	}
}
