package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Addr          string        `config:"addr"`
	Port          int           `config:"port"`
	Workers       int           `config:"workers"`
	IdleTimeout   time.Duration `config:"idle_timeout"`
	MaxConns      int           `config:"max_conns"`
	RecvBufferMax int           `config:"recv_buffer_max"`
	SendBufferMax int           `config:"send_buffer_max"`
	TLSCert       string        `config:"tls.cert"`
	TLSKey        string        `config:"tls.key"`
	StaticDir     string        `config:"static.dir"`
	StaticPrefix  string        `config:"static.prefix"`
	SessionTTL    time.Duration `config:"session_ttl"`
	BufferedBody  bool          `config:"buffered_body"`
	ServerName    string        `config:"server_name"`
	GCPercent     int           `config:"gc.percent"`
	MemoryLimit   int64         `config:"gc.memory_limit"`
	Env           string        `config:"env"`

	// ConfigFile is the JSON file the values were layered from.
	ConfigFile string `config:"-"`
}

const defaultIdleTimeoutMs = 2000

// New loads configuration from the command line, an optional JSON file
// and the environment. It exits on invalid flags, like flag.Parse.
func New() *Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:], os.LookupEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// Parse builds a Config from args. Values are layered: defaults, then the
// JSON file named by -config, then flags given explicitly, then the PORT
// and EVSERVER_IDLE_TIMEOUT_MS environment variables.
func Parse(fs *flag.FlagSet, args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	var idleMs int

	fs.StringVar(&cfg.Addr, "addr", "", "Listen host (empty for all interfaces)")
	fs.IntVar(&cfg.Port, "port", 8080, "HTTP server port")
	fs.IntVar(&cfg.Workers, "workers", runtime.NumCPU(), "Worker goroutines")
	fs.IntVar(&idleMs, "idle-timeout-ms", defaultIdleTimeoutMs, "Idle connection timeout (milliseconds, <=0 means 2000)")
	fs.IntVar(&cfg.MaxConns, "max-conns", 0, "Maximum concurrent connections (0 for the default)")
	fs.IntVar(&cfg.RecvBufferMax, "recv-buffer-max", 0, "Receive buffer ceiling in bytes (0 for the default)")
	fs.IntVar(&cfg.SendBufferMax, "send-buffer-max", 0, "Send buffer ceiling in bytes (0 for the default)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "TLS certificate file (PEM)")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "TLS private key file (PEM)")
	fs.StringVar(&cfg.StaticDir, "static", "", "Directory served under -static-prefix")
	fs.StringVar(&cfg.StaticPrefix, "static-prefix", "/static", "URL prefix for static files")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", 30*time.Minute, "Session inactivity timeout")
	fs.BoolVar(&cfg.BufferedBody, "buffered-body", false, "Treat all buffered bytes as the body when Content-Length is absent")
	fs.StringVar(&cfg.ServerName, "server-name", "evserver", "Server response header")
	fs.IntVar(&cfg.GCPercent, "gc-percent", 0, "GOGC target (0 keeps the runtime default)")
	fs.Int64Var(&cfg.MemoryLimit, "memory-limit", 0, "Soft memory limit in bytes (0 for none)")
	fs.StringVar(&cfg.Env, "env", "development", "Environment (development/production)")
	fs.StringVar(&cfg.ConfigFile, "config", "", "JSON configuration file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.IdleTimeout = time.Duration(idleMs) * time.Millisecond

	if cfg.ConfigFile != "" {
		explicit := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

		fileCfg := *cfg
		m := NewManager()
		if err := m.LoadFromJSON(cfg.ConfigFile); err != nil {
			return nil, err
		}
		if err := m.Unmarshal("", &fileCfg); err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.ConfigFile, err)
		}
		mergeUnset(cfg, &fileCfg, explicit)
	}

	if port, ok := lookupEnv("PORT"); ok && port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.Port = p
	}
	if ms, ok := lookupEnv("EVSERVER_IDLE_TIMEOUT_MS"); ok && ms != "" {
		v, err := strconv.Atoi(ms)
		if err != nil {
			return nil, fmt.Errorf("invalid EVSERVER_IDLE_TIMEOUT_MS %q: %w", ms, err)
		}
		cfg.IdleTimeout = time.Duration(v) * time.Millisecond
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeoutMs * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return cfg, cfg.Validate()
}

// mergeUnset copies file values into cfg for every flag the command line
// did not set.
func mergeUnset(cfg, file *Config, explicit map[string]bool) {
	keep := func(flagName string) bool { return explicit[flagName] }
	if !keep("addr") {
		cfg.Addr = file.Addr
	}
	if !keep("port") {
		cfg.Port = file.Port
	}
	if !keep("workers") {
		cfg.Workers = file.Workers
	}
	if !keep("idle-timeout-ms") {
		cfg.IdleTimeout = file.IdleTimeout
	}
	if !keep("max-conns") {
		cfg.MaxConns = file.MaxConns
	}
	if !keep("recv-buffer-max") {
		cfg.RecvBufferMax = file.RecvBufferMax
	}
	if !keep("send-buffer-max") {
		cfg.SendBufferMax = file.SendBufferMax
	}
	if !keep("tls-cert") {
		cfg.TLSCert = file.TLSCert
	}
	if !keep("tls-key") {
		cfg.TLSKey = file.TLSKey
	}
	if !keep("static") {
		cfg.StaticDir = file.StaticDir
	}
	if !keep("static-prefix") {
		cfg.StaticPrefix = file.StaticPrefix
	}
	if !keep("session-ttl") {
		cfg.SessionTTL = file.SessionTTL
	}
	if !keep("buffered-body") {
		cfg.BufferedBody = file.BufferedBody
	}
	if !keep("server-name") {
		cfg.ServerName = file.ServerName
	}
	if !keep("gc-percent") {
		cfg.GCPercent = file.GCPercent
	}
	if !keep("memory-limit") {
		cfg.MemoryLimit = file.MemoryLimit
	}
	if !keep("env") {
		cfg.Env = file.Env
	}
}

// Validate checks values that cannot be corrected silently.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls-cert and tls-key must be given together")
	}
	return nil
}

// ListenAddr returns the host:port to bind.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Addr, strconv.Itoa(c.Port))
}

// TLSEnabled reports whether a certificate was configured.
func (c *Config) TLSEnabled() bool { return c.TLSCert != "" }
