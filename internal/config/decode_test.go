package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDecodeJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"storage": {"driver": "sqlite", "path": "./dw.db"},
		"scheduler": {"timezone": "America/Chicago", "workers": 4}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Fatalf("workers = %d", cfg.Scheduler.Workers)
	}
}

func TestDecodeYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
scheduler:
  timezone: Europe/Berlin
  dose_spec: "*/5 * * * *"
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Scheduler.Timezone != "Europe/Berlin" || cfg.Scheduler.DoseSpec != "*/5 * * * *" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "config.json", `{"loging": {"level": "debug"}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("typoed key accepted")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"logging":{"level":"info"}} {"extra":1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing document accepted")
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", time.Minute, time.Minute, false},
		{"0s", time.Minute, time.Minute, false},
		{"  2h ", time.Minute, 2 * time.Hour, false},
		{"-5m", time.Minute, 0, true},
		{"soon", time.Minute, 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDuration("scheduler.lookahead", tc.raw, tc.def)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %v, %v; want %v", tc.raw, got, err, tc.want)
		}
	}
}

func TestFingerprintStable(t *testing.T) {
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "info"}}
	if fingerprint(a) != fingerprint(b) {
		t.Fatal("identical configs hash differently")
	}
	b.Logging.Level = "debug"
	if fingerprint(a) == fingerprint(b) {
		t.Fatal("different configs collide")
	}
}
