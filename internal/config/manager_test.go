package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hireflow.yaml")
	writeFile(t, path, `
logging:
  level: debug
storage:
  path: /var/lib/hireflow/hireflow.db
scheduler:
  timezone: Europe/Berlin
  reconcile_interval: 15m
notify:
  driver: telegram
  token: secret
  chat_id: -100123
`)
	m := NewManager(path)
	cfg, err := m.Load(false)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/hireflow/hireflow.db", cfg.Storage.Path)
	assert.Equal(t, int64(-100123), cfg.Notify.ChatID)
	assert.Equal(t, DefaultAdminAddr, cfg.Admin.ListenAddr())

	loc, err := cfg.Scheduler.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
	d, err := cfg.Scheduler.Reconcile()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)
	d, err = cfg.Scheduler.Shutdown()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
	assert.Same(t, cfg, m.Get())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hireflow.json")
	writeFile(t, path, `{"storage":{"path":"x.db"},"plugins":{}}`)
	_, err := NewManager(path).Load(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugins")
}

func TestLoadRejectsTrailingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hireflow.json")
	writeFile(t, path, `{"storage":{"path":"x.db"}}{}`)
	_, err := NewManager(path).Load(false)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	_, err := NewManager(path).Load(false)
	require.Error(t, err)

	cfg, err := NewManager(path).Load(true)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	cfg.Scheduler.Timezone = "Mars/Olympus"
	cfg.Scheduler.ReconcileInterval = "-1m"
	cfg.Notify.Driver = "telegram"
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "scheduler.timezone")

	cfg = Default()
	cfg.Notify.Driver = "pigeon"
	assert.Error(t, Validate(cfg))
}

func TestSummarizeChangeHidesToken(t *testing.T) {
	a := Default()
	b := Default()
	b.Notify.Token = "new-secret"
	b.Scheduler.Timezone = "Asia/Jakarta"

	changed, attrs := SummarizeChange(a, b)
	assert.Equal(t, []string{"notify", "scheduler"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"notify"}, RestartRequired(changed))

	changed, _ = SummarizeChange(a, Default())
	assert.Empty(t, changed)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hireflow.yaml")
	writeFile(t, path, "storage:\n  path: a.db\n")
	m := NewManager(path)
	_, err := m.Load(false)
	require.NoError(t, err)

	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and never published.
	writeFile(t, path, "storage:\n  path: a.db\nscheduler:\n  timezone: Nowhere/Land\n")
	select {
	case cfg := <-ch:
		t.Fatalf("unexpected publish: %+v", cfg.Scheduler)
	case <-time.After(600 * time.Millisecond):
	}

	writeFile(t, path, "storage:\n  path: a.db\nscheduler:\n  timezone: Asia/Tokyo\n")
	select {
	case cfg := <-ch:
		assert.Equal(t, "Asia/Tokyo", cfg.Scheduler.Timezone)
		assert.Equal(t, "Asia/Tokyo", m.Get().Scheduler.Timezone)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return")
	}
}
