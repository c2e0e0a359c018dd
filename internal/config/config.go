package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/divir94/bitcoin/internal/infra/netutil"
)

type Config struct {
	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
	Server struct {
		Addr                string   `yaml:"addr"`
		Pprof               bool     `yaml:"pprof"`
		ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
		IdleTimeoutSeconds  int      `yaml:"idle_timeout_seconds"`
		AdminAllowCIDRs     []string `yaml:"admin_allow_cidrs"`
	} `yaml:"server"`
	Feed struct {
		Exchange  string `yaml:"exchange"`
		WSURL     string `yaml:"ws_url"`
		RESTURL   string `yaml:"rest_url"`
		ProductID string `yaml:"product_id"`
		// DialTimeoutSeconds bounds the websocket handshake.
		DialTimeoutSeconds int `yaml:"dial_timeout_seconds"`
	} `yaml:"feed"`
	Heartbeat struct {
		Enabled             bool `yaml:"enabled"`
		PingIntervalSeconds int  `yaml:"ping_interval_seconds"`
		ToleranceSeconds    int  `yaml:"tolerance_seconds"`
		// KeepAliveSeconds is the read deadline used when heartbeats are off.
		KeepAliveSeconds int `yaml:"keepalive_seconds"`
	} `yaml:"heartbeat"`
	Snapshot struct {
		InitialLevel   int     `yaml:"initial_level"`
		ReconcileLevel int     `yaml:"reconcile_level"`
		MaxRetries     int     `yaml:"max_retries"`
		TimeoutSeconds int     `yaml:"timeout_seconds"`
		RatePerSecond  float64 `yaml:"rate_per_second"`
	} `yaml:"snapshot"`
	Reconcile struct {
		Enabled              bool `yaml:"enabled"`
		IntervalSeconds      int  `yaml:"interval_seconds"`
		ReplayTimeoutSeconds int  `yaml:"replay_timeout_seconds"`
		MaxLoggedDiffs       int  `yaml:"max_logged_diffs"`
	} `yaml:"reconcile"`
	Store struct {
		Enabled         bool   `yaml:"enabled"`
		Path            string `yaml:"path"`
		IntervalSeconds int    `yaml:"interval_seconds"`
		Keep            int    `yaml:"keep"`
	} `yaml:"store"`
}

// Default returns the built-in configuration with no file or environment applied.
func Default() Config {
	var c Config
	c.Logging.Level = "info"
	c.Logging.Pretty = false
	c.Server.Addr = ":9090"
	c.Server.Pprof = false
	c.Server.ReadTimeoutSeconds = 5
	c.Server.WriteTimeoutSeconds = 10
	c.Server.IdleTimeoutSeconds = 60
	c.Server.AdminAllowCIDRs = []string{"127.0.0.0/8", "::1/128"}
	c.Feed.Exchange = "gdax"
	c.Feed.WSURL = "wss://ws-feed.exchange.coinbase.com"
	c.Feed.RESTURL = "https://api.exchange.coinbase.com"
	c.Feed.ProductID = "BTC-USD"
	c.Feed.DialTimeoutSeconds = 10
	c.Heartbeat.Enabled = true
	c.Heartbeat.PingIntervalSeconds = 30
	c.Heartbeat.ToleranceSeconds = 2
	c.Heartbeat.KeepAliveSeconds = 60
	c.Snapshot.InitialLevel = 3
	c.Snapshot.ReconcileLevel = 3
	c.Snapshot.MaxRetries = 5
	c.Snapshot.TimeoutSeconds = 30
	c.Snapshot.RatePerSecond = 1.0
	c.Reconcile.Enabled = true
	c.Reconcile.IntervalSeconds = 3600
	c.Reconcile.ReplayTimeoutSeconds = 30
	c.Reconcile.MaxLoggedDiffs = 100
	c.Store.Enabled = false
	c.Store.Path = "data/checkpoints"
	c.Store.IntervalSeconds = 300
	c.Store.Keep = 48
	return c
}

// Load builds the config from defaults, an optional YAML file, .env and BOOK_* variables.
// A BOOK_CONFIG file that cannot be read or parsed is an error; unknown keys count as
// malformed so a typo never silently falls back to a default.
func Load() (Config, error) {
	// .env is optional; real environment always wins over it.
	_ = godotenv.Load()

	c := Default()
	if path := os.Getenv("BOOK_CONFIG"); path != "" {
		if err := loadFile(path, &c); err != nil {
			return c, err
		}
	}
	if v := os.Getenv("BOOK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BOOK_LOG_PRETTY"); v == "1" || v == "true" {
		c.Logging.Pretty = true
	}
	if v := os.Getenv("BOOK_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("BOOK_PPROF"); v == "1" || v == "true" {
		c.Server.Pprof = true
	}
	if v := os.Getenv("BOOK_ADMIN_ALLOW_CIDRS"); v != "" {
		c.Server.AdminAllowCIDRs = splitCSV(v)
	}
	if v := os.Getenv("BOOK_WS_URL"); v != "" {
		c.Feed.WSURL = v
	}
	if v := os.Getenv("BOOK_REST_URL"); v != "" {
		c.Feed.RESTURL = v
	}
	if v := os.Getenv("BOOK_PRODUCT_ID"); v != "" {
		c.Feed.ProductID = v
	}
	if v := os.Getenv("BOOK_HEARTBEAT"); v != "" {
		c.Heartbeat.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("BOOK_HEARTBEAT_TOLERANCE_SECONDS"); v != "" {
		var n int
		_, _ = fmt.Sscan(v, &n)
		if n > 0 {
			c.Heartbeat.ToleranceSeconds = n
		}
	}
	if v := os.Getenv("BOOK_RECONCILE"); v != "" {
		c.Reconcile.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("BOOK_RECONCILE_INTERVAL_SECONDS"); v != "" {
		var n int
		_, _ = fmt.Sscan(v, &n)
		if n > 0 {
			c.Reconcile.IntervalSeconds = n
		}
	}
	if v := os.Getenv("BOOK_RECONCILE_LEVEL"); v != "" {
		var n int
		_, _ = fmt.Sscan(v, &n)
		c.Snapshot.ReconcileLevel = n
	}
	if v := os.Getenv("BOOK_STORE_PATH"); v != "" {
		c.Store.Enabled = true
		c.Store.Path = v
	}
	return c, nil
}

func loadFile(path string, c *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// Validate reports configuration errors; these are the only errors surfaced to the operator
// besides exhausted snapshot retries.
func (c Config) Validate() error {
	var errs []error
	if c.Feed.ProductID == "" {
		errs = append(errs, errors.New("feed.product_id is required"))
	}
	if u, err := url.Parse(c.Feed.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("feed.ws_url %q must be a ws:// or wss:// url", c.Feed.WSURL))
	}
	if u, err := url.Parse(c.Feed.RESTURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("feed.rest_url %q must be an http(s) url", c.Feed.RESTURL))
	}
	if c.Snapshot.InitialLevel != 3 {
		errs = append(errs, fmt.Errorf("snapshot.initial_level must be 3, got %d", c.Snapshot.InitialLevel))
	}
	if c.Snapshot.ReconcileLevel != 2 && c.Snapshot.ReconcileLevel != 3 {
		errs = append(errs, fmt.Errorf("snapshot.reconcile_level must be 2 or 3, got %d", c.Snapshot.ReconcileLevel))
	}
	if c.Snapshot.MaxRetries < 1 {
		errs = append(errs, errors.New("snapshot.max_retries must be at least 1"))
	}
	if c.Heartbeat.Enabled && c.Heartbeat.ToleranceSeconds <= 0 {
		errs = append(errs, errors.New("heartbeat.tolerance_seconds must be positive when heartbeats are enabled"))
	}
	if c.Heartbeat.KeepAliveSeconds <= 0 {
		errs = append(errs, errors.New("heartbeat.keepalive_seconds must be positive"))
	}
	if c.Reconcile.Enabled && c.Reconcile.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("reconcile.interval_seconds must be positive when reconciliation is enabled"))
	}
	if c.Store.Enabled && strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is required when the store is enabled"))
	}
	if c.Store.Enabled && c.Store.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("store.interval_seconds must be positive when the store is enabled"))
	}
	if _, err := netutil.ParseCIDRs(c.Server.AdminAllowCIDRs); err != nil {
		errs = append(errs, fmt.Errorf("server.admin_allow_cidrs: %w", err))
	}
	return errors.Join(errs...)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
