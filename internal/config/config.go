// Package config loads and validates the server configuration from TOML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration unmarshals TOML strings like "30s" or "1m30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the full server configuration.
type Config struct {
	Listen         string   `toml:"listen"`           // address to bind, host:port
	MaxConnections int      `toml:"max_connections"`  // concurrent client sockets
	MaxHeaderBytes int      `toml:"max_header_bytes"` // request line plus header block
	MaxBodyBytes   int64    `toml:"max_body_bytes"`   // decoded request body
	ReadChunkBytes int      `toml:"read_chunk_bytes"` // per-read buffer size
	IdleTimeout    Duration `toml:"idle_timeout"`     // close idle keep-alive connections
	CGITimeout     Duration `toml:"cgi_timeout"`      // kill CGI children after this
	ShutdownGrace  Duration `toml:"shutdown_grace"`   // drain window on SIGINT/SIGTERM
	MetricsPath    string   `toml:"metrics_path"`     // empty disables the endpoint

	Log      LogConfig      `toml:"log"`
	Compress CompressConfig `toml:"compress"`
	// ErrorPages maps status codes ("404") to HTML files served instead of
	// the built-in error page.
	ErrorPages map[string]string `toml:"error_pages"`
	Routes     []RouteConfig     `toml:"route"`

	errorPagesByCode map[int]string
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `toml:"level"`  // trace, debug, info, warn, error
	Pretty bool   `toml:"pretty"` // console writer instead of JSON
}

// CompressConfig controls response body compression.
type CompressConfig struct {
	Enabled      bool     `toml:"enabled"`
	MinSize      int      `toml:"min_size"` // smaller bodies are left alone
	Level        int      `toml:"level"`    // 1 (fastest) to 11 (best, brotli only)
	ExcludeTypes []string `toml:"exclude_types"`
}

// RouteConfig declares how one path prefix is served.
type RouteConfig struct {
	Prefix       string         `toml:"prefix"`
	Methods      []string       `toml:"methods"`
	Root         string         `toml:"root"`
	Index        string         `toml:"index"`
	Autoindex    bool           `toml:"autoindex"`
	UploadDir    string         `toml:"upload_dir"`
	MaxBodyBytes int64          `toml:"max_body_bytes"` // 0 inherits the server limit
	CGI          CGIConfig      `toml:"cgi"`
	Redirect     RedirectConfig `toml:"redirect"`
}

// CGIConfig enables CGI execution for matching extensions under a route.
type CGIConfig struct {
	Interpreter string   `toml:"interpreter"`
	Extensions  []string `toml:"extensions"`
}

// RedirectConfig turns a route into a fixed redirect.
type RedirectConfig struct {
	Location string `toml:"location"`
	Code     int    `toml:"code"`
}

var supportedMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true, "OPTIONS": true,
}

// Default returns a configuration with sensible values and a single static
// route serving ./www.
func Default() Config {
	return Config{
		Listen:         ":8080",
		MaxConnections: 1024,
		MaxHeaderBytes: 8192,
		MaxBodyBytes:   1 << 20,
		ReadChunkBytes: 16384,
		IdleTimeout:    Duration(60 * time.Second),
		CGITimeout:     Duration(30 * time.Second),
		ShutdownGrace:  Duration(10 * time.Second),
		Log:            LogConfig{Level: "info"},
		Compress: CompressConfig{
			MinSize: 1024,
			Level:   4,
			ExcludeTypes: []string{
				"image/", "video/", "audio/", "application/zip", "application/gzip",
			},
		},
		Routes: []RouteConfig{{
			Prefix:  "/",
			Methods: []string{"GET", "HEAD"},
			Root:    "www",
			Index:   "index.html",
		}},
	}
}

// Load reads a TOML file into a validated Config. Values absent from the
// file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	// Routes from the file replace the default catch-all, not extend it.
	cfg.Routes = nil
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate normalizes the configuration in place and rejects combinations
// the server cannot act on.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.MaxConnections < 1 {
		c.MaxConnections = 1024
	}
	if c.MaxHeaderBytes < 1024 {
		c.MaxHeaderBytes = 1024
	}
	if c.MaxBodyBytes < 1 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.ReadChunkBytes < 1024 {
		c.ReadChunkBytes = 1024
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = Duration(60 * time.Second)
	}
	if c.CGITimeout <= 0 {
		c.CGITimeout = Duration(30 * time.Second)
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = 0
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("metrics_path %q must start with /", c.MetricsPath)
	}
	if c.Compress.MinSize < 0 {
		c.Compress.MinSize = 0
	}
	if c.Compress.Level < 1 {
		c.Compress.Level = 4
	}
	if c.Compress.Level > 11 {
		c.Compress.Level = 11
	}

	c.errorPagesByCode = make(map[int]string, len(c.ErrorPages))
	for key, file := range c.ErrorPages {
		code, err := strconv.Atoi(key)
		if err != nil || code < 300 || code > 599 {
			return fmt.Errorf("error_pages: %q is not a valid status code", key)
		}
		if file == "" {
			return fmt.Errorf("error_pages: empty file for status %d", code)
		}
		c.errorPagesByCode[code] = file
	}

	if len(c.Routes) == 0 {
		c.Routes = Default().Routes
	}
	seen := make(map[string]bool, len(c.Routes))
	for i := range c.Routes {
		if err := c.Routes[i].validate(c); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		if seen[c.Routes[i].Prefix] {
			return fmt.Errorf("route %d: duplicate prefix %q", i, c.Routes[i].Prefix)
		}
		seen[c.Routes[i].Prefix] = true
	}
	return nil
}

func (r *RouteConfig) validate(c *Config) error {
	if !strings.HasPrefix(r.Prefix, "/") {
		return fmt.Errorf("prefix %q must start with /", r.Prefix)
	}
	if len(r.Prefix) > 1 {
		r.Prefix = strings.TrimRight(r.Prefix, "/")
	}
	if len(r.Methods) == 0 {
		r.Methods = []string{"GET", "HEAD"}
	}
	for i, m := range r.Methods {
		m = strings.ToUpper(m)
		if !supportedMethods[m] {
			return fmt.Errorf("unsupported method %q", r.Methods[i])
		}
		r.Methods[i] = m
	}
	if r.MaxBodyBytes == 0 {
		r.MaxBodyBytes = c.MaxBodyBytes
	}
	if r.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}

	isRedirect := r.Redirect.Location != ""
	isCGI := len(r.CGI.Extensions) > 0 || r.CGI.Interpreter != ""

	if isRedirect {
		if r.Redirect.Code == 0 {
			r.Redirect.Code = 302
		}
		switch r.Redirect.Code {
		case 301, 302, 303, 307, 308:
		default:
			return fmt.Errorf("redirect code %d not supported", r.Redirect.Code)
		}
		return nil
	}

	if r.Root == "" {
		return fmt.Errorf("prefix %q needs a root directory", r.Prefix)
	}
	if r.Index == "" {
		r.Index = "index.html"
	}
	if isCGI {
		if r.CGI.Interpreter == "" {
			return fmt.Errorf("cgi extensions given without interpreter")
		}
		if len(r.CGI.Extensions) == 0 {
			return fmt.Errorf("cgi interpreter given without extensions")
		}
		for i, ext := range r.CGI.Extensions {
			ext = strings.ToLower(ext)
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			r.CGI.Extensions[i] = ext
		}
	}
	return nil
}

// BodyParseLimit returns the largest body any route may accept. The parser
// enforces this bound so a route-level max_body_bytes above the server-wide
// limit is honored; routes enforce their own smaller limits after routing.
func (c *Config) BodyParseLimit() int64 {
	limit := c.MaxBodyBytes
	for i := range c.Routes {
		if c.Routes[i].MaxBodyBytes > limit {
			limit = c.Routes[i].MaxBodyBytes
		}
	}
	return limit
}

// ErrorPage returns the configured page file for a status code.
func (c *Config) ErrorPage(code int) (string, bool) {
	file, ok := c.errorPagesByCode[code]
	return file, ok
}

// IsCGI reports whether the route runs scripts with the given extension.
func (r *RouteConfig) IsCGI(ext string) bool {
	if r.CGI.Interpreter == "" {
		return false
	}
	ext = strings.ToLower(ext)
	for _, e := range r.CGI.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// AllowsMethod reports whether the route accepts the method.
func (r *RouteConfig) AllowsMethod(method string) bool {
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// AllowHeader renders the route's methods for a 405 Allow header.
func (r *RouteConfig) AllowHeader() string {
	return strings.Join(r.Methods, ", ")
}
