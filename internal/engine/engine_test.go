package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"carecue/internal/eventbus"
	"carecue/internal/notify"
	"carecue/internal/reminder"
	"carecue/internal/storage"
	logx "carecue/pkg/logx"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakePush struct {
	mu   sync.Mutex
	sent []string
	fail map[string]string // token -> error kind
}

func (f *fakePush) Send(_ context.Context, token, _, _ string, _ map[string]string) notify.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, token)
	if kind, ok := f.fail[token]; ok {
		return notify.Result{ErrorKind: kind, Err: errors.New(kind)}
	}
	return notify.Result{Success: true}
}

func (f *fakePush) count(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s == token {
			n++
		}
	}
	return n
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []string // address/template
	fail bool
}

func (f *fakeEmail) SendTemplate(_ context.Context, address, templateID string, _ map[string]string) notify.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, address+"/"+templateID)
	if f.fail {
		return notify.Result{ErrorKind: notify.KindTransport, Err: errors.New("smtp down")}
	}
	return notify.Result{Success: true}
}

type harness struct {
	eng   *Service
	store storage.Store
	clock *clock
	push  *fakePush
	email *fakeEmail
	bus   eventbus.Bus
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	return newHarnessWith(t, now, nil)
}

// newHarnessWith lets a test put a store decorator in front of the engine.
func newHarnessWith(t *testing.T, now time.Time, wrap func(storage.Store) storage.Store) *harness {
	t.Helper()
	mem, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })
	st := mem
	if wrap != nil {
		st = wrap(mem)
	}
	h := &harness{
		store: st,
		clock: &clock{t: now},
		push:  &fakePush{fail: map[string]string{}},
		email: &fakeEmail{},
		bus:   eventbus.New(),
	}
	h.eng = New(Config{Enabled: true}, Deps{
		Store: st,
		Push:  h.push,
		Email: h.email,
		Bus:   h.bus,
		Now:   h.clock.Now,
	})
	return h
}

func (h *harness) recurring(t *testing.T, expr string, mutate ...func(*reminder.Schedule)) reminder.Schedule {
	t.Helper()
	in := reminder.Schedule{
		SubjectID:              "subj-1",
		Title:                  "Vitamin D",
		Expression:             expr,
		Timezone:               "UTC",
		Channels:               reminder.ChannelPreferences{Push: true, Email: true},
		MissedThresholdMinutes: 30,
		EscalationEnabled:      true,
		Enabled:                true,
	}
	for _, fn := range mutate {
		fn(&in)
	}
	sc, err := h.eng.CreateSchedule(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return sc
}

func (h *harness) contact(t *testing.T) {
	t.Helper()
	err := h.store.PutContact(context.Background(), reminder.Contact{SubjectID: "subj-1", PushToken: "tok-1", Email: "subject@example.com"})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) rows(t *testing.T, scheduleID string) []reminder.Occurrence {
	t.Helper()
	list, err := h.store.ListOccurrences(context.Background(), storage.OccurrenceFilter{ScheduleID: scheduleID})
	if err != nil {
		t.Fatal(err)
	}
	return list
}

// Down from 07:58 to 10:05: the 08:00 fire is outside the window and never recovered.
func TestBoundedRecoveryAfterDowntime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(7, 0))
	sc := h.recurring(t, "0 8,12,17 * * *")

	h.clock.Set(at(10, 5))
	rep := h.eng.RunOnce(context.Background())
	if rep.Created != 0 || rep.Errors != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if got := h.rows(t, sc.ID); len(got) != 0 {
		t.Fatalf("rows = %v, want none", got)
	}
}

func TestTickWithinWindowCreatesExactlyOnce(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		late time.Duration
		want int
	}{
		{name: "on time", late: 0, want: 1},
		{name: "two minutes late", late: 2 * time.Minute, want: 1},
		{name: "window edge", late: 5 * time.Minute, want: 1},
		{name: "past window", late: 5*time.Minute + time.Second, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, at(7, 0))
			h.contact(t)
			sc := h.recurring(t, "0 8 * * *")

			h.clock.Set(at(8, 0).Add(tt.late))
			h.eng.Tick(context.Background())
			h.eng.Tick(context.Background())

			rows := h.rows(t, sc.ID)
			if len(rows) != tt.want {
				t.Fatalf("rows = %d, want %d", len(rows), tt.want)
			}
			if tt.want == 0 {
				return
			}
			if !rows[0].Delivered || rows[0].DeliveredAt == nil {
				t.Fatalf("occurrence not delivered: %+v", rows[0])
			}
			if n := h.push.count("tok-1"); n != 1 {
				t.Fatalf("push sends = %d, want 1", n)
			}
			got, err := h.store.GetSchedule(context.Background(), sc.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.TotalFiredCount != 1 {
				t.Fatalf("TotalFiredCount = %d, want 1", got.TotalFiredCount)
			}
		})
	}
}

func TestOverlappingTicksCreateOneRow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(8, 0))
	sc := h.recurring(t, "0 9 * * *")
	h.clock.Set(at(9, 1))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.eng.Tick(context.Background())
		}()
	}
	wg.Wait()

	rows := h.rows(t, sc.ID)
	if len(rows) != 1 || !rows[0].NominalTime.Equal(at(9, 0)) {
		t.Fatalf("rows = %+v, want one at 09:00", rows)
	}
}

func TestConcurrentMaterializeSameNominal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(8, 0))
	sc := h.recurring(t, "0 9 * * *")

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]struct{}{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, ok, err := h.eng.Materialize(context.Background(), sc, at(9, 0))
			if err != nil {
				t.Errorf("Materialize: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[o.ID] = struct{}{}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
	if len(ids) != 1 {
		t.Fatalf("callers saw %d distinct rows, want 1", len(ids))
	}
	if rows := h.rows(t, sc.ID); len(rows) != 1 {
		t.Fatalf("stored rows = %d, want 1", len(rows))
	}
}

func TestDispatchChannelsAreIndependent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		pushFail  string
		emailFail bool
		delivered bool
	}{
		{name: "push rejected, email ok", pushFail: notify.KindInvalidToken, delivered: true},
		{name: "push ok, email down", emailFail: true, delivered: true},
		{name: "both fail", pushFail: notify.KindTimeout, emailFail: true, delivered: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, at(7, 0))
			h.contact(t)
			if tt.pushFail != "" {
				h.push.fail["tok-1"] = tt.pushFail
			}
			h.email.fail = tt.emailFail
			sc := h.recurring(t, "0 8 * * *")

			h.clock.Set(at(8, 1))
			rep := h.eng.Tick(context.Background())

			rows := h.rows(t, sc.ID)
			if len(rows) != 1 {
				t.Fatalf("rows = %d", len(rows))
			}
			if rows[0].Delivered != tt.delivered {
				t.Fatalf("delivered = %v, want %v", rows[0].Delivered, tt.delivered)
			}
			if len(h.email.sent) != 1 || h.push.count("tok-1") != 1 {
				t.Fatalf("both channels should be attempted: push=%d email=%d", h.push.count("tok-1"), len(h.email.sent))
			}
			if tt.delivered {
				if rep.Delivered != 1 {
					t.Fatalf("report = %+v", rep)
				}
				return
			}
			if rep.DeliveryFailed != 1 || rep.Errors != 0 {
				t.Fatalf("report = %+v", rep)
			}
			got, _ := h.store.GetSchedule(context.Background(), sc.ID)
			if got.TotalFiredCount != 0 {
				t.Fatalf("TotalFiredCount = %d, want 0", got.TotalFiredCount)
			}
			// Still pending and undelivered, so the next tick retries it.
			h.clock.Set(at(8, 2))
			h.eng.Tick(context.Background())
			if n := h.push.count("tok-1"); n != 2 {
				t.Fatalf("push attempts = %d, want 2", n)
			}
		})
	}
}

func TestDispatchOnlyEnabledChannels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(7, 0))
	h.contact(t)
	h.recurring(t, "0 8 * * *", func(s *reminder.Schedule) { s.Channels = reminder.ChannelPreferences{Email: true} })

	h.clock.Set(at(8, 0))
	rep := h.eng.Tick(context.Background())
	if rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if h.push.count("tok-1") != 0 {
		t.Fatal("push disabled for schedule but was sent")
	}
	if len(h.email.sent) != 1 || h.email.sent[0] != "subject@example.com/"+notify.TemplateReminder {
		t.Fatalf("email sent = %v", h.email.sent)
	}
}

func TestDispatchRecoversFromPanickingGateway(t *testing.T) {
	t.Parallel()
	st, err := storage.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clk := &clock{t: at(7, 0)}
	eng := New(Config{Enabled: true}, Deps{Store: st, Push: panicPush{}, Now: clk.Now})
	_ = st.PutContact(context.Background(), reminder.Contact{SubjectID: "subj-1", PushToken: "tok-1"})
	sc, err := eng.CreateSchedule(context.Background(), reminder.Schedule{
		SubjectID: "subj-1", Title: "Walk", Expression: "0 8 * * *", Timezone: "UTC",
		Channels: reminder.ChannelPreferences{Push: true}, Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	clk.Set(at(8, 1))
	rep := eng.Tick(context.Background())
	if rep.Created != 1 || rep.Errors != 1 {
		t.Fatalf("report = %+v", rep)
	}
	rows, _ := st.ListOccurrences(context.Background(), storage.OccurrenceFilter{ScheduleID: sc.ID})
	if len(rows) != 1 || rows[0].Delivered {
		t.Fatalf("rows = %+v", rows)
	}
}

type panicPush struct{}

func (panicPush) Send(context.Context, string, string, string, map[string]string) notify.Result {
	panic("gateway exploded")
}

func TestMalformedStoredExpressionIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(7, 0))
	good := h.recurring(t, "0 8 * * *")
	bad := reminder.Schedule{
		ID: "bad", SubjectID: "subj-2", Title: "Broken", Expression: "every tuesday-ish", Timezone: "UTC",
		Active: reminder.Window{Start: at(7, 0)}, MissedThresholdMinutes: 30, Enabled: true,
		CreatedAt: at(7, 0), UpdatedAt: at(7, 0),
	}
	if err := h.store.CreateSchedule(context.Background(), bad); err != nil {
		t.Fatal(err)
	}

	h.clock.Set(at(8, 1))
	rep := h.eng.Tick(context.Background())
	if rep.Errors != 1 || rep.Created != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(h.rows(t, good.ID)) != 1 {
		t.Fatal("good schedule should still materialize")
	}
}

func TestExpiredScheduleIsDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(7, 0))
	events, unsub := h.bus.Subscribe(32)
	defer unsub()
	end := at(9, 0)
	sc := h.recurring(t, "0 8,10 * * *", func(s *reminder.Schedule) { s.Active.End = &end })

	h.clock.Set(at(10, 1))
	rep := h.eng.Tick(context.Background())
	if rep.Expired != 1 || rep.Created != 0 {
		t.Fatalf("report = %+v", rep)
	}
	got, err := h.store.GetSchedule(context.Background(), sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Fatal("expired schedule should be disabled")
	}

	seen := false
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.ScheduleExpired {
			seen = true
		}
	}
	if !seen {
		t.Fatal("expected schedule.expired event")
	}
}

func TestSweepThresholdIsStrict(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(7, 0))
	sc := h.recurring(t, "0 8 * * *")
	h.clock.Set(at(8, 1))
	h.eng.Tick(context.Background())

	h.clock.Set(at(8, 30))
	if rep := h.eng.Sweep(context.Background()); rep.Missed != 0 {
		t.Fatalf("missed at exactly the threshold: %+v", rep)
	}
	h.clock.Set(at(8, 30).Add(time.Second))
	rep := h.eng.Sweep(context.Background())
	if rep.Missed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if rows := h.rows(t, sc.ID); rows[0].Status != reminder.StatusMissed {
		t.Fatalf("status = %s", rows[0].Status)
	}
}

// Missed with nobody to alert: escalated_at stays null and nothing fails.
func TestMissedWithoutRecipients(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(7, 0))
	sc := h.recurring(t, "0 8 * * *")
	h.clock.Set(at(8, 1))
	h.eng.Tick(context.Background())

	h.clock.Set(at(8, 45))
	rep := h.eng.Sweep(context.Background())
	if rep.Missed != 1 || rep.Escalated != 0 || rep.Errors != 0 {
		t.Fatalf("report = %+v", rep)
	}
	o := h.rows(t, sc.ID)[0]
	if o.Status != reminder.StatusMissed || o.EscalatedAt != nil {
		t.Fatalf("occurrence = %+v", o)
	}
}

func TestAcknowledgeBeforeSweepWins(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(7, 0))
	sc := h.recurring(t, "0 8 * * *")
	h.clock.Set(at(8, 1))
	h.eng.Tick(context.Background())
	o := h.rows(t, sc.ID)[0]

	acked, err := h.eng.Acknowledge(context.Background(), o.ID, at(8, 10))
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if d, ok := acked.Delay(); !ok || d != 10*time.Minute {
		t.Fatalf("delay = %v, %v", d, ok)
	}

	h.clock.Set(at(9, 0))
	if rep := h.eng.Sweep(context.Background()); rep.Missed != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if got := h.rows(t, sc.ID)[0]; got.Status != reminder.StatusAcknowledged {
		t.Fatalf("status = %s", got.Status)
	}

	if _, err := h.eng.Acknowledge(context.Background(), o.ID, time.Time{}); !errors.Is(err, reminder.ErrInvalidTransition) {
		t.Fatalf("second acknowledge err = %v", err)
	}
	if _, err := h.eng.Skip(context.Background(), "nope"); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("skip unknown err = %v", err)
	}
}

func TestEscalationFiresOnce(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		fail bool
	}{
		{name: "send ok"},
		{name: "send fails, still escalated", fail: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, at(7, 0))
			ctx := context.Background()
			_ = h.store.PutRecipient(ctx, reminder.Recipient{SubjectID: "subj-1", RecipientID: "r1", Name: "Ana", PushToken: "fam-tok", ReceiveAlerts: true})
			_ = h.store.PutRecipient(ctx, reminder.Recipient{SubjectID: "subj-1", RecipientID: "r2", Name: "Ben", PushToken: "quiet-tok"})
			if tt.fail {
				h.push.fail["fam-tok"] = notify.KindTransport
			}
			sc := h.recurring(t, "0 8 * * *")
			h.clock.Set(at(8, 1))
			h.eng.Tick(ctx)

			h.clock.Set(at(8, 31))
			rep := h.eng.Sweep(ctx)
			if rep.Missed != 1 || rep.Escalated != 1 {
				t.Fatalf("report = %+v", rep)
			}
			o := h.rows(t, sc.ID)[0]
			if o.EscalatedAt == nil || !o.EscalatedAt.Equal(at(8, 31)) {
				t.Fatalf("EscalatedAt = %v", o.EscalatedAt)
			}

			h.clock.Set(at(9, 30))
			if rep := h.eng.Sweep(ctx); rep.Escalated != 0 || rep.Missed != 0 {
				t.Fatalf("second sweep report = %+v", rep)
			}
			if n := h.push.count("fam-tok"); n != 1 {
				t.Fatalf("family alerts = %d, want 1", n)
			}
			if n := h.push.count("quiet-tok"); n != 0 {
				t.Fatalf("recipient without alerts was notified %d times", n)
			}
		})
	}
}

func TestEscalationDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(7, 0))
	ctx := context.Background()
	_ = h.store.PutRecipient(ctx, reminder.Recipient{SubjectID: "subj-1", RecipientID: "r1", PushToken: "fam-tok", ReceiveAlerts: true})
	sc := h.recurring(t, "0 8 * * *", func(s *reminder.Schedule) { s.EscalationEnabled = false })
	h.clock.Set(at(8, 1))
	h.eng.Tick(ctx)
	h.clock.Set(at(9, 0))

	rep := h.eng.Sweep(ctx)
	if rep.Missed != 1 || rep.Escalated != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if h.push.count("fam-tok") != 0 || h.rows(t, sc.ID)[0].EscalatedAt != nil {
		t.Fatal("escalation should not run when disabled")
	}
}

func (h *harness) course(t *testing.T, c reminder.CourseMeta) reminder.Schedule {
	t.Helper()
	sc, err := h.eng.CreateSchedule(context.Background(), reminder.Schedule{
		SubjectID:              "subj-1",
		Title:                  "DrugX",
		Timezone:               "UTC",
		Channels:               reminder.ChannelPreferences{Push: true},
		MissedThresholdMinutes: 30,
		Enabled:                true,
		Course:                 &c,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return sc
}

func TestCourseEverySixHoursEightDoses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(10, 17))
	sc := h.course(t, reminder.CourseMeta{TotalOccurrences: 8, Plan: "every_6h"})

	rows := h.rows(t, sc.ID)
	if len(rows) != 8 {
		t.Fatalf("rows = %d, want 8", len(rows))
	}
	if !rows[0].NominalTime.Equal(at(12, 0)) {
		t.Fatalf("first = %v, want 12:00", rows[0].NominalTime)
	}
	for i, o := range rows {
		if o.SequenceIndex == nil || *o.SequenceIndex != i+1 {
			t.Fatalf("row %d index = %v", i, o.SequenceIndex)
		}
		if want := CourseLabel("DrugX", i+1); o.SequenceLabel == nil || *o.SequenceLabel != want {
			t.Fatalf("row %d label = %v, want %s", i, o.SequenceLabel, want)
		}
		if i > 0 && o.NominalTime.Sub(rows[i-1].NominalTime) != 6*time.Hour {
			t.Fatalf("row %d gap = %v", i, o.NominalTime.Sub(rows[i-1].NominalTime))
		}
	}

	// Finite schedules are never tick-evaluated.
	h.clock.Set(at(12, 1))
	if rep := h.eng.Tick(context.Background()); rep.Evaluated != 0 || rep.Created != 0 {
		t.Fatalf("tick report = %+v", rep)
	}
}

func TestCourseIncludesPastSlots(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(10, 17))
	sc := h.course(t, reminder.CourseMeta{TotalOccurrences: 4, Plan: "twice_daily", StartDate: day})

	rows := h.rows(t, sc.ID)
	if len(rows) != 4 || !rows[0].NominalTime.Equal(at(8, 0)) {
		t.Fatalf("rows = %+v", rows)
	}
	rep := h.eng.Sweep(context.Background())
	if rep.Missed != 1 {
		t.Fatalf("past slot should be swept to missed, report = %+v", rep)
	}
}

func TestEditCoursePurgesOnlyPendingFromToday(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(7, 0))
	sc := h.course(t, reminder.CourseMeta{TotalOccurrences: 4, Times: []string{"08:00", "20:00"}, StartDate: day})
	rows := h.rows(t, sc.ID)
	if len(rows) != 4 {
		t.Fatalf("rows = %d", len(rows))
	}

	next := day.AddDate(0, 0, 1)
	h.clock.Set(next.Add(9 * time.Hour))
	if _, err := h.eng.Acknowledge(ctx, rows[1].ID, at(20, 5)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Acknowledge(ctx, rows[2].ID, next.Add(8*time.Hour+10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if rep := h.eng.Sweep(ctx); rep.Missed != 1 {
		t.Fatalf("sweep report = %+v", rep)
	}

	edit := sc
	c := *sc.Course
	c.Times = []string{"09:00", "21:00"}
	edit.Course = &c
	if _, err := h.eng.UpdateSchedule(ctx, edit); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}

	after := h.rows(t, sc.ID)
	if len(after) != 4 {
		t.Fatalf("rows after edit = %d, want 4", len(after))
	}
	wantStatus := []reminder.Status{reminder.StatusMissed, reminder.StatusAcknowledged, reminder.StatusAcknowledged, reminder.StatusPending}
	for i, o := range after {
		if o.Status != wantStatus[i] {
			t.Fatalf("row %d status = %s, want %s", i, o.Status, wantStatus[i])
		}
		if i < 3 && o.ID != rows[i].ID {
			t.Fatalf("row %d replaced; history must be kept", i)
		}
	}
	last := after[3]
	if !last.NominalTime.Equal(next.Add(9*time.Hour)) || *last.SequenceIndex != 4 || *last.SequenceLabel != "DrugX-4" {
		t.Fatalf("regenerated row = %+v", last)
	}
}

func TestEditRecurringPurgesTodayPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(7, 0))
	sc := h.recurring(t, "0 8,9 * * *", func(s *reminder.Schedule) { s.MissedThresholdMinutes = 120 })

	h.clock.Set(at(8, 1))
	h.eng.Tick(ctx)
	first := h.rows(t, sc.ID)[0]
	if _, err := h.eng.Acknowledge(ctx, first.ID, at(8, 2)); err != nil {
		t.Fatal(err)
	}
	h.clock.Set(at(9, 2))
	h.eng.Tick(ctx)
	before := h.rows(t, sc.ID)
	if len(before) != 2 {
		t.Fatalf("rows = %d", len(before))
	}

	h.clock.Set(at(9, 3))
	edit := sc
	edit.Title = "Vitamin D3"
	if _, err := h.eng.UpdateSchedule(ctx, edit); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}

	after := h.rows(t, sc.ID)
	if len(after) != 2 {
		t.Fatalf("rows after edit = %d", len(after))
	}
	if after[0].ID != first.ID || after[0].Status != reminder.StatusAcknowledged {
		t.Fatalf("acknowledged row changed: %+v", after[0])
	}
	if after[1].ID == before[1].ID || after[1].Status != reminder.StatusPending {
		t.Fatalf("09:00 pending row should be regenerated: %+v", after[1])
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	t.Parallel()
	end := at(6, 0)
	tests := []struct {
		name   string
		mutate func(*reminder.Schedule)
	}{
		{name: "bad expression", mutate: func(s *reminder.Schedule) { s.Expression = "at some point" }},
		{name: "interval expression", mutate: func(s *reminder.Schedule) { s.Expression = "@every 1h" }},
		{name: "missing title", mutate: func(s *reminder.Schedule) { s.Title = "" }},
		{name: "bad timezone", mutate: func(s *reminder.Schedule) { s.Timezone = "Nowhere/Land" }},
		{name: "window inverted", mutate: func(s *reminder.Schedule) { s.Active.Start = at(7, 0); s.Active.End = &end }},
		{name: "empty course", mutate: func(s *reminder.Schedule) { s.Course = &reminder.CourseMeta{Plan: "once_daily"} }},
		{name: "unknown plan", mutate: func(s *reminder.Schedule) { s.Course = &reminder.CourseMeta{TotalOccurrences: 3, Plan: "hourly"} }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, at(7, 0))
			in := reminder.Schedule{SubjectID: "subj-1", Title: "Walk", Expression: "0 8 * * *", Timezone: "UTC"}
			tt.mutate(&in)
			if _, err := h.eng.CreateSchedule(context.Background(), in); !errors.Is(err, reminder.ErrInvalidSchedule) {
				t.Fatalf("err = %v, want ErrInvalidSchedule", err)
			}
		})
	}
}

func TestDeleteScheduleKeepsHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(7, 0))
	sc := h.course(t, reminder.CourseMeta{TotalOccurrences: 3, Plan: "once_daily", StartDate: day})
	rows := h.rows(t, sc.ID)
	if _, err := h.eng.Skip(ctx, rows[0].ID); err != nil {
		t.Fatal(err)
	}

	purged, err := h.eng.DeleteSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 2 {
		t.Fatalf("purged = %d, want 2", purged)
	}
	if left := h.rows(t, sc.ID); len(left) != 1 || left[0].Status != reminder.StatusSkipped {
		t.Fatalf("left = %+v", left)
	}
	if _, err := h.eng.DeleteSchedule(ctx, sc.ID); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestStartApplyStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(7, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.eng.Start(ctx)
	if snap := h.eng.Snapshot(); !snap.Running || snap.TickInterval != DefaultTickInterval {
		t.Fatalf("snapshot = %+v", snap)
	}
	h.eng.Apply(Config{Enabled: true, TickInterval: 2 * time.Minute})
	if snap := h.eng.Snapshot(); snap.TickInterval != 2*time.Minute || snap.SweepInterval != DefaultSweepInterval {
		t.Fatalf("snapshot after apply = %+v", snap)
	}
	h.eng.Apply(Config{Enabled: false})
	if snap := h.eng.Snapshot(); snap.Running {
		t.Fatal("engine should stop triggering when disabled")
	}
	h.eng.Apply(Config{Enabled: true})
	if !h.eng.Snapshot().Running {
		t.Fatal("engine should resume when re-enabled")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	h.eng.Stop(stopCtx)
	if h.eng.Snapshot().Running {
		t.Fatal("engine still running after Stop")
	}
}

// flakyStore fails selected calls a fixed number of times before passing them
// through to the real store.
type flakyStore struct {
	storage.Store
	mu                sync.Mutex
	recipientFailures int
	insertFailures    int
}

func (f *flakyStore) ListRecipients(ctx context.Context, subjectID string, alertsOnly bool) ([]reminder.Recipient, error) {
	f.mu.Lock()
	fail := f.recipientFailures > 0
	if fail {
		f.recipientFailures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return f.Store.ListRecipients(ctx, subjectID, alertsOnly)
}

func (f *flakyStore) InsertOccurrences(ctx context.Context, list []reminder.Occurrence) (int, error) {
	f.mu.Lock()
	fail := f.insertFailures > 0
	if fail {
		f.insertFailures--
	}
	f.mu.Unlock()
	if fail {
		return 0, errors.New("disk I/O error")
	}
	return f.Store.InsertOccurrences(ctx, list)
}

// A store error between marking missed and escalating must not lose the
// alert: the next sweep escalates the already-missed occurrence.
func TestEscalationRetriedAfterStoreError(t *testing.T) {
	t.Parallel()
	flaky := &flakyStore{recipientFailures: 1}
	h := newHarnessWith(t, at(7, 0), func(st storage.Store) storage.Store {
		flaky.Store = st
		return flaky
	})
	ctx := context.Background()
	_ = h.store.PutRecipient(ctx, reminder.Recipient{SubjectID: "subj-1", RecipientID: "r1", PushToken: "fam-tok", ReceiveAlerts: true})
	sc := h.recurring(t, "0 8 * * *")
	h.clock.Set(at(8, 1))
	h.eng.Tick(ctx)

	h.clock.Set(at(8, 31))
	rep := h.eng.Sweep(ctx)
	if rep.Missed != 1 || rep.Escalated != 0 || rep.Errors != 1 {
		t.Fatalf("first sweep report = %+v", rep)
	}
	if o := h.rows(t, sc.ID)[0]; o.Status != reminder.StatusMissed || o.EscalatedAt != nil {
		t.Fatalf("occurrence after failed escalation = %+v", o)
	}

	h.clock.Set(at(8, 36))
	rep = h.eng.Sweep(ctx)
	if rep.Missed != 0 || rep.Escalated != 1 || rep.Errors != 0 {
		t.Fatalf("second sweep report = %+v", rep)
	}
	o := h.rows(t, sc.ID)[0]
	if o.EscalatedAt == nil || !o.EscalatedAt.Equal(at(8, 36)) {
		t.Fatalf("EscalatedAt = %v", o.EscalatedAt)
	}

	h.clock.Set(at(8, 41))
	if rep := h.eng.Sweep(ctx); rep.Escalated != 0 {
		t.Fatalf("third sweep report = %+v", rep)
	}
	if n := h.push.count("fam-tok"); n != 1 {
		t.Fatalf("family alerts = %d, want 1", n)
	}
}

func TestEscalationRetryWindow(t *testing.T) {
	t.Parallel()
	flaky := &flakyStore{recipientFailures: 1}
	h := newHarnessWith(t, at(7, 0), func(st storage.Store) storage.Store {
		flaky.Store = st
		return flaky
	})
	ctx := context.Background()
	_ = h.store.PutRecipient(ctx, reminder.Recipient{SubjectID: "subj-1", RecipientID: "r1", PushToken: "fam-tok", ReceiveAlerts: true})
	sc := h.recurring(t, "0 8 * * *")
	h.clock.Set(at(8, 1))
	h.eng.Tick(ctx)
	h.clock.Set(at(8, 31))
	if rep := h.eng.Sweep(ctx); rep.Errors != 1 {
		t.Fatalf("first sweep report = %+v", rep)
	}

	// Past the retry window the occurrence is no longer revisited.
	h.clock.Set(at(8, 0).Add(DefaultEscalationRetryWindow + time.Minute))
	if rep := h.eng.Sweep(ctx); rep.Escalated != 0 {
		t.Fatalf("late sweep report = %+v", rep)
	}
	if h.push.count("fam-tok") != 0 || h.rows(t, sc.ID)[0].EscalatedAt != nil {
		t.Fatal("occurrence outside the retry window was escalated")
	}
}

func TestDisabledCourseIsNotDelivered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(10, 17))
	h.contact(t)
	sc := h.course(t, reminder.CourseMeta{TotalOccurrences: 4, Plan: "every_6h"})
	if n := len(h.rows(t, sc.ID)); n != 4 {
		t.Fatalf("rows = %d, want 4", n)
	}

	edit := sc
	edit.Enabled = false
	if _, err := h.eng.UpdateSchedule(ctx, edit); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	for _, o := range h.rows(t, sc.ID) {
		if o.Status == reminder.StatusPending {
			t.Fatalf("disabled course kept or regenerated a pending row: %+v", o)
		}
	}

	h.clock.Set(at(12, 1))
	if rep := h.eng.Tick(ctx); rep.Delivered != 0 || rep.Errors != 0 {
		t.Fatalf("tick report = %+v", rep)
	}
	if n := h.push.count("tok-1"); n != 0 {
		t.Fatalf("pushes = %d, want 0", n)
	}
}

func TestDispatchSkipsDisabledSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(7, 0))
	h.contact(t)
	sc := h.recurring(t, "0 8 * * *")
	// A pending row left behind by a schedule that was disabled afterwards.
	if _, err := h.store.InsertOccurrence(ctx, reminder.Occurrence{
		ID: "left-over", ScheduleID: sc.ID, SubjectID: sc.SubjectID,
		NominalTime: at(8, 0), Status: reminder.StatusPending, CreatedAt: at(7, 0),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.DisableSchedule(ctx, sc.ID, at(7, 30)); err != nil {
		t.Fatal(err)
	}

	h.clock.Set(at(8, 1))
	rep := h.eng.Tick(ctx)
	if rep.Delivered != 0 || rep.DeliveryFailed != 0 || rep.Errors != 0 {
		t.Fatalf("tick report = %+v", rep)
	}
	if n := h.push.count("tok-1"); n != 0 {
		t.Fatalf("pushes = %d, want 0", n)
	}
	if o := h.rows(t, sc.ID)[0]; o.Delivered {
		t.Fatalf("occurrence delivered: %+v", o)
	}
}

func TestCreateCourseRemovedWhenGenerationFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	flaky := &flakyStore{insertFailures: 1}
	h := newHarnessWith(t, at(10, 17), func(st storage.Store) storage.Store {
		flaky.Store = st
		return flaky
	})

	sc, err := h.eng.CreateSchedule(ctx, reminder.Schedule{
		SubjectID: "subj-1", Title: "DrugX", Timezone: "UTC", Enabled: true,
		Channels: reminder.ChannelPreferences{Push: true},
		Course:   &reminder.CourseMeta{TotalOccurrences: 4, Plan: "every_6h"},
	})
	if err == nil {
		t.Fatalf("CreateSchedule succeeded: %+v", sc)
	}
	if sc.ID != "" {
		t.Fatalf("failed create returned schedule %+v", sc)
	}
	list, err := h.store.ListSchedules(ctx, storage.ScheduleFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("schedules after failed create = %+v", list)
	}
	rows, err := h.store.ListOccurrences(ctx, storage.OccurrenceFilter{SubjectID: "subj-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("occurrences after failed create = %+v", rows)
	}

	// The store recovered; the same request now goes through.
	if _, err := h.eng.CreateSchedule(ctx, reminder.Schedule{
		SubjectID: "subj-1", Title: "DrugX", Timezone: "UTC", Enabled: true,
		Channels: reminder.ChannelPreferences{Push: true},
		Course:   &reminder.CourseMeta{TotalOccurrences: 4, Plan: "every_6h"},
	}); err != nil {
		t.Fatalf("retry CreateSchedule: %v", err)
	}
}

// An occurrence missed with nobody to alert is visible at the default level.
func TestMissedWithoutRecipientsIsLoggedAtInfo(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(7, 0))
	sc := h.recurring(t, "0 8 * * *")
	h.clock.Set(at(8, 1))
	h.eng.Tick(context.Background())

	var buf bytes.Buffer
	eng := New(Config{Enabled: true}, Deps{
		Store: h.store,
		Push:  h.push,
		Email: h.email,
		Log:   logx.NewWriter(&buf, "info"),
		Now:   func() time.Time { return at(8, 45) },
	})
	if rep := eng.Sweep(context.Background()); rep.Missed != 1 || rep.Errors != 0 {
		t.Fatalf("report = %+v", rep)
	}
	o := h.rows(t, sc.ID)[0]
	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, `"message":"missed occurrence has no escalation recipients"`) {
			line = l
		}
	}
	if !strings.Contains(line, `"level":"info"`) || !strings.Contains(line, `"occurrence_id":"`+o.ID+`"`) {
		t.Fatalf("log output %q lacks an info line for %s", buf.String(), o.ID)
	}
}
