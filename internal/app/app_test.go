package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"carecue/internal/config"
	"carecue/internal/eventbus"
	"carecue/internal/reminder"
	"carecue/internal/storage"
)

const testConfig = `{
  "logging": {"level": "error", "console": false},
  "engine": {"enabled": false, "tick_interval": "30s", "call_timeout": "3s"},
  "storage": {"driver": "memory"},
  "push": {"enabled": true, "provider": "log"},
  "email": {"enabled": true, "provider": "log"},
  "http": {"enabled": false},
  "systemd": {"notify": false, "watchdog": false}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMapEngineConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	ec, err := mapEngineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !ec.Enabled {
		t.Fatal("engine should default to enabled")
	}
	if ec.TickInterval != time.Minute || ec.SweepInterval != 5*time.Minute || ec.CompensationWindow != 5*time.Minute {
		t.Fatalf("unexpected cadence defaults: %+v", ec)
	}
	if ec.DefaultLocation != time.UTC {
		t.Fatalf("DefaultLocation = %v, want UTC", ec.DefaultLocation)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{name: "default sqlite", in: config.StorageConfig{Path: "./x.db"}, driver: "sqlite"},
		{name: "sqlite3 alias", in: config.StorageConfig{Driver: "SQLite3", Path: "./x.db"}, driver: "sqlite"},
		{name: "memory", in: config.StorageConfig{Driver: "memory"}, driver: "memory"},
		{name: "sqlite without path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown driver", in: config.StorageConfig{Driver: "postgres", Path: "x"}, wantErr: true},
		{name: "bad busy timeout", in: config.StorageConfig{Path: "x", BusyTimeout: "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Driver != tt.driver {
				t.Fatalf("Driver = %q, want %q", got.Driver, tt.driver)
			}
		})
	}
}

func TestGatewayTimeoutFallsBackToCallTimeout(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Engine: config.EngineConfig{CallTimeout: "4s"},
		Push:   &config.PushConfig{Enabled: true, Provider: "log"},
		Email:  &config.EmailConfig{Enabled: true, Provider: "log", Timeout: "2s"},
	}
	p, err := mapPushConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if p.Timeout != 4*time.Second {
		t.Fatalf("push timeout = %v, want 4s", p.Timeout)
	}
	e, err := mapEmailConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if e.Timeout != 2*time.Second {
		t.Fatalf("email timeout = %v, want 2s", e.Timeout)
	}
}

func TestValidateReloadRejectsBrokenTemplate(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Storage: config.StorageConfig{Driver: "memory"},
		Email: &config.EmailConfig{Enabled: true, Provider: "log", Templates: map[string]config.EmailTemplate{
			"reminder": {Subject: "{{.title", Body: "x"},
		}},
	}
	if err := validateReload(context.Background(), cfg); err == nil {
		t.Fatal("expected template error")
	}
	cfg.Email.Templates["reminder"] = config.EmailTemplate{Subject: "{{.title}}", Body: "x"}
	if err := validateReload(context.Background(), cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestToStoreEvent(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	se := toStoreEvent(eventbus.Event{
		Type: eventbus.OccurrenceMissed,
		Time: at,
		Data: eventbus.Payload{ScheduleID: "s", OccurrenceID: "o", SubjectID: "p", Detail: "d"},
	})
	if se.Kind != eventbus.OccurrenceMissed || !se.At.Equal(at) || se.OccurrenceID != "o" || se.Detail != "d" {
		t.Fatalf("unexpected event: %+v", se)
	}
	if se := toStoreEvent(eventbus.Event{Type: "custom", Data: 42}); se.Kind != "custom" || se.ScheduleID != "" {
		t.Fatalf("unexpected event: %+v", se)
	}
}

func TestRunOncePersistsAuditEvents(t *testing.T) {
	a, err := NewApp(writeConfig(t, testConfig), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.Store().PutContact(ctx, reminder.Contact{SubjectID: "p1", PushToken: "42"}); err != nil {
		t.Fatal(err)
	}
	start := time.Now().UTC().Add(-72 * time.Hour)
	_, err = a.Engine().CreateSchedule(ctx, reminder.Schedule{
		SubjectID: "p1",
		Title:     "DrugX",
		Enabled:   true,
		Channels:  reminder.ChannelPreferences{Push: true},
		Course:    &reminder.CourseMeta{TotalOccurrences: 2, StartDate: start, Times: []string{"00:00"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	rep := a.RunOnce(ctx)
	if rep.Delivered != 2 || rep.Missed != 2 {
		t.Fatalf("report = %+v, want 2 delivered and 2 missed", rep)
	}
	delivered, err := a.Store().ListEvents(ctx, storage.EventFilter{Kind: eventbus.OccurrenceDelivered})
	if err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 2 {
		t.Fatalf("delivered audit rows = %d, want 2", len(delivered))
	}
	missed, err := a.Store().ListEvents(ctx, storage.EventFilter{Kind: eventbus.OccurrenceMissed})
	if err != nil {
		t.Fatal(err)
	}
	if len(missed) != 2 {
		t.Fatalf("missed audit rows = %d, want 2", len(missed))
	}
}

func TestStartStop(t *testing.T) {
	body := `{
  "logging": {"level": "error", "console": false},
  "engine": {"enabled": true},
  "storage": {"driver": "memory"},
  "http": {"enabled": true, "addr": "127.0.0.1:0"}
}`
	a, err := NewApp(writeConfig(t, body), "test")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !a.Engine().Snapshot().Running {
		t.Fatal("engine should be running after Start")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatal(err)
	}
	if a.Engine().Snapshot().Running {
		t.Fatal("engine should be stopped")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("supervisor error: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}
