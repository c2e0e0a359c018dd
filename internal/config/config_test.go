package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	_ = os.Unsetenv("BOOK_CONFIG")
	_ = os.Unsetenv("BOOK_PRODUCT_ID")
	_ = os.Unsetenv("BOOK_LOG_LEVEL")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Feed.ProductID != "BTC-USD" {
		t.Fatalf("expected default product BTC-USD, got %s", c.Feed.ProductID)
	}
	if c.Logging.Level != "info" {
		t.Fatalf("expected default log level info, got %s", c.Logging.Level)
	}
	if c.Snapshot.InitialLevel != 3 {
		t.Fatalf("expected level 3 initial snapshot, got %d", c.Snapshot.InitialLevel)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BOOK_PRODUCT_ID", "ETH-USD")
	t.Setenv("BOOK_LOG_LEVEL", "debug")
	t.Setenv("BOOK_HEARTBEAT", "false")
	t.Setenv("BOOK_RECONCILE_INTERVAL_SECONDS", "60")
	t.Setenv("BOOK_ADMIN_ALLOW_CIDRS", "10.0.0.0/8, 192.168.0.0/16")
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Feed.ProductID != "ETH-USD" {
		t.Fatalf("env override failed for product, got %s", c.Feed.ProductID)
	}
	if c.Logging.Level != "debug" {
		t.Fatalf("env override failed for log level, got %s", c.Logging.Level)
	}
	if c.Heartbeat.Enabled {
		t.Fatalf("expected heartbeat disabled")
	}
	if c.Reconcile.IntervalSeconds != 60 {
		t.Fatalf("expected reconcile interval 60, got %d", c.Reconcile.IntervalSeconds)
	}
	if len(c.Server.AdminAllowCIDRs) != 2 || c.Server.AdminAllowCIDRs[1] != "192.168.0.0/16" {
		t.Fatalf("unexpected cidrs %v", c.Server.AdminAllowCIDRs)
	}
}

func TestYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.yaml")
	body := []byte("feed:\n  product_id: ETH-BTC\nsnapshot:\n  reconcile_level: 2\nreconcile:\n  interval_seconds: 120\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BOOK_CONFIG", path)
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Feed.ProductID != "ETH-BTC" || c.Snapshot.ReconcileLevel != 2 || c.Reconcile.IntervalSeconds != 120 {
		t.Fatalf("yaml not applied: %+v", c)
	}
	// untouched keys keep their defaults
	if c.Snapshot.InitialLevel != 3 {
		t.Fatalf("expected default initial level, got %d", c.Snapshot.InitialLevel)
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Feed.ProductID = ""
	c.Feed.WSURL = "http://not-a-socket"
	c.Snapshot.InitialLevel = 2
	c.Snapshot.ReconcileLevel = 1
	c.Server.AdminAllowCIDRs = []string{"10.0.0.0/8", "localhost"}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"product_id", "ws_url", "initial_level", "reconcile_level", "admin_allow_cidrs"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestBadYAMLFileIsReported(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]byte{
		"malformed.yaml": []byte("feed:\n  product_id: [ETH-BTC\n"),
		"typo.yaml":      []byte("feed:\n  prodcut_id: ETH-BTC\n"),
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, body, 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("BOOK_CONFIG", path)
		if _, err := Load(); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}

	t.Setenv("BOOK_CONFIG", filepath.Join(dir, "missing.yaml"))
	_, err := Load()
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected a not-exist error, got %v", err)
	}
}
