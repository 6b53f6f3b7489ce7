package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Host returns the scheme and host. Host can be configured via the XLM_HOST environment variable.
// Default is scheme "http" and host "127.0.0.1:11435"
func Host() *url.URL {
	defaultPort := "11435"

	s := strings.TrimSpace(Var("XLM_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// Tokenizer returns the path of the tokenizer file. Defaults to tokenizer.bin next to the model.
func Tokenizer() string {
	if s := Var("XLM_TOKENIZER"); s != "" {
		return s
	}

	if m := Model(); m != "" {
		return filepath.Join(filepath.Dir(m), "tokenizer.bin")
	}

	return ""
}

// Encoder returns the path of the gesture encoder sidecar, if any. Defaults to
// <model>.encoder.cbor when that file exists.
func Encoder() string {
	if s := Var("XLM_ENCODER"); s != "" {
		return s
	}

	if m := Model(); m != "" {
		p := strings.TrimSuffix(m, filepath.Ext(m)) + ".encoder.cbor"
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// Layout returns the keyboard layout name or path. Default is the built-in "qwerty".
func Layout() string {
	if s := Var("XLM_LAYOUT"); s != "" {
		return s
	}

	return "qwerty"
}

// KvCacheType returns the element type of the K/V cache: f32, f16 or bf16
func KvCacheType() string {
	switch s := strings.ToLower(Var("XLM_KV_CACHE_TYPE")); s {
	case "f32", "f16", "bf16":
		return s
	case "":
	default:
		slog.Warn("invalid kv cache type, using default", "type", s, "default", "f32")
	}

	return "f32"
}

// NumThreads returns the number of goroutines used by the forward pass
func NumThreads() int {
	if n := numThreads(); n > 0 {
		return int(n)
	}

	return runtime.NumCPU()
}

// RequestTimeout bounds how long a request waits for the model. Zero or negative disables it.
func RequestTimeout() (timeout time.Duration) {
	timeout = 2 * time.Second
	if s := Var("XLM_REQUEST_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			timeout = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			timeout = time.Duration(n) * time.Millisecond
		} else {
			slog.Warn("invalid environment variable, using default", "key", "XLM_REQUEST_TIMEOUT", "value", s)
		}
	}

	return timeout
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("XLM_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return false
	}
}

var (
	// Renormalize rescales the distribution after banned tokens are masked
	Renormalize = Bool("XLM_RENORMALIZE")
	// Strict panics on internal invariant violations instead of logging them
	Strict = Bool("XLM_STRICT")
)

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

var Model = String("XLM_MODEL")

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

var (
	// ContextLength is the number of positions each sequence can hold
	ContextLength = Uint("XLM_CONTEXT_LENGTH", 256)

	numThreads = Uint("XLM_NUM_THREADS", 0)
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"XLM_DEBUG":           {"XLM_DEBUG", LogLevel(), "Show additional debug information (e.g. XLM_DEBUG=1)"},
		"XLM_HOST":            {"XLM_HOST", Host(), "IP Address for the xlm server (default 127.0.0.1:11435)"},
		"XLM_MODEL":           {"XLM_MODEL", Model(), "Path to the model checkpoint"},
		"XLM_TOKENIZER":       {"XLM_TOKENIZER", Tokenizer(), "Path to the tokenizer (default tokenizer.bin next to the model)"},
		"XLM_ENCODER":         {"XLM_ENCODER", Encoder(), "Path to the gesture encoder (default <model>.encoder.cbor)"},
		"XLM_LAYOUT":          {"XLM_LAYOUT", Layout(), "Keyboard layout name or YAML file (default qwerty)"},
		"XLM_CONTEXT_LENGTH":  {"XLM_CONTEXT_LENGTH", ContextLength(), "Positions per sequence (default 256)"},
		"XLM_KV_CACHE_TYPE":   {"XLM_KV_CACHE_TYPE", KvCacheType(), "Element type for the K/V cache (default: f32)"},
		"XLM_NUM_THREADS":     {"XLM_NUM_THREADS", NumThreads(), "Goroutines used by the forward pass (default: number of CPUs)"},
		"XLM_RENORMALIZE":     {"XLM_RENORMALIZE", Renormalize(), "Renormalize probabilities after masking"},
		"XLM_STRICT":          {"XLM_STRICT", Strict(), "Abort on internal invariant violations"},
		"XLM_REQUEST_TIMEOUT": {"XLM_REQUEST_TIMEOUT", RequestTimeout(), "How long a request may wait for the model (default \"2s\")"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
