package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	c, err := Load(New(), "")
	if err != nil {
		t.Fatal(err)
	}
	if c.DatabaseURL != "sqlite:" || c.Addr != ":8080" || c.MaxPageSize != 200 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.AdminAllowDelete || c.TraceStdout {
		t.Fatalf("admin delete and stdout tracing must default off: %+v", c)
	}
	if c.Level() != slog.LevelInfo {
		t.Fatalf("level=%v", c.Level())
	}
	if c.TraceSampleRatio != 1 {
		t.Fatalf("trace_sample_ratio=%v want 1", c.TraceSampleRatio)
	}
}

func TestTraceSampleRatio(t *testing.T) {
	t.Setenv("ESTORE_TRACE_SAMPLE_RATIO", "0.25")
	c, err := Load(New(), "")
	if err != nil {
		t.Fatal(err)
	}
	if c.TraceSampleRatio != 0.25 {
		t.Fatalf("trace_sample_ratio=%v want 0.25", c.TraceSampleRatio)
	}

	t.Setenv("ESTORE_TRACE_SAMPLE_RATIO", "1.5")
	if _, err := Load(New(), ""); err == nil || !strings.Contains(err.Error(), "trace_sample_ratio") {
		t.Fatalf("err=%v want trace_sample_ratio range error", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ESTORE_DATABASE_URL", "memory:")
	t.Setenv("ESTORE_ADDR", "127.0.0.1:9000")
	t.Setenv("ESTORE_LOG_LEVEL", "debug")
	t.Setenv("ESTORE_ADMIN_ALLOW_DELETE", "true")
	t.Setenv("ESTORE_MAX_PAGE_SIZE", "50")

	c, err := Load(New(), "")
	if err != nil {
		t.Fatal(err)
	}
	if c.DatabaseURL != "memory:" || c.Addr != "127.0.0.1:9000" || !c.AdminAllowDelete || c.MaxPageSize != 50 {
		t.Fatalf("env not applied: %+v", c)
	}
	if c.Level() != slog.LevelDebug {
		t.Fatalf("level=%v", c.Level())
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "estore.yaml")
	body := "database_url: postgres://u:p@db:5432/es\nmax_page_size: 100\ntrace_stdout: true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(New(), path)
	if err != nil {
		t.Fatal(err)
	}
	if c.DatabaseURL != "postgres://u:p@db:5432/es" || c.MaxPageSize != 100 || !c.TraceStdout {
		t.Fatalf("file not applied: %+v", c)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "estore.yaml")
	if err := os.WriteFile(path, []byte("addr: \":1111\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ESTORE_ADDR", ":2222")
	c, err := Load(New(), path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Addr != ":2222" {
		t.Fatalf("addr=%s want :2222", c.Addr)
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	v := New()
	v.Set(KeyMaxPageSize, 0)
	v.Set(KeyLogLevel, "loud")
	_, err := Load(v, "")
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "max_page_size") || !strings.Contains(msg, "log_level") {
		t.Fatalf("error should list both problems: %v", err)
	}
}
