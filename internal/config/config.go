// Package config loads custodian configuration.
//
// Configuration is layered, later layers winning:
//
//  1. defaults in the embedded CUE schema (schema.cue)
//  2. an optional user file in CUE or JSON syntax
//  3. CUSTODIAN_* environment variables (a .env file is read first)
//
// The merged result is unified with the closed #Config definition, so unknown
// fields and out-of-range values are rejected with a position when possible.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
	"cuelang.org/go/cue/token"
	"github.com/joho/godotenv"
)

//go:embed schema.cue
var schemaSrc string

// Config is the decoded configuration.
type Config struct {
	Store       StoreConfig       `json:"store"`
	Persistence PersistenceConfig `json:"persistence"`
	Breaker     BreakerConfig     `json:"breaker"`
	Log         LogConfig         `json:"log"`
	Tracing     TracingConfig     `json:"tracing"`
}

// StoreConfig selects and configures the store backend.
type StoreConfig struct {
	Backend  string `json:"backend"`
	Path     string `json:"path"`
	URL      string `json:"url"`
	Prefix   string `json:"prefix"`
	Table    string `json:"table"`
	MaxConns int    `json:"max_conns"`
}

// PersistenceConfig configures the persistence executor.
type PersistenceConfig struct {
	Timeout     string `json:"timeout"`
	Concurrency int64  `json:"concurrency"`
}

// TimeoutDuration returns Timeout parsed. The schema guarantees it parses.
func (p PersistenceConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(p.Timeout)
	return d
}

// BreakerConfig configures the store circuit breaker.
type BreakerConfig struct {
	Enabled          bool   `json:"enabled"`
	FailureThreshold uint32 `json:"failure_threshold"`
	MaxRequests      uint32 `json:"max_requests"`
	OpenTimeout      string `json:"open_timeout"`
}

// OpenTimeoutDuration returns OpenTimeout parsed.
func (b BreakerConfig) OpenTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(b.OpenTimeout)
	return d
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `json:"enabled"`
}

// Error is a configuration error, with the source position when known.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LookupEnv reads one environment variable. os.LookupEnv satisfies it.
type LookupEnv func(key string) (string, bool)

type override struct {
	env  string
	path string
	kind cue.Kind
}

// Overrides maps environment variables to configuration paths.
var overrides = []override{
	{"CUSTODIAN_STORE_BACKEND", "store.backend", cue.StringKind},
	{"CUSTODIAN_STORE_PATH", "store.path", cue.StringKind},
	{"CUSTODIAN_STORE_URL", "store.url", cue.StringKind},
	{"CUSTODIAN_STORE_PREFIX", "store.prefix", cue.StringKind},
	{"CUSTODIAN_STORE_TABLE", "store.table", cue.StringKind},
	{"CUSTODIAN_STORE_MAX_CONNS", "store.max_conns", cue.IntKind},
	{"CUSTODIAN_PERSISTENCE_TIMEOUT", "persistence.timeout", cue.StringKind},
	{"CUSTODIAN_PERSISTENCE_CONCURRENCY", "persistence.concurrency", cue.IntKind},
	{"CUSTODIAN_BREAKER_ENABLED", "breaker.enabled", cue.BoolKind},
	{"CUSTODIAN_BREAKER_FAILURE_THRESHOLD", "breaker.failure_threshold", cue.IntKind},
	{"CUSTODIAN_LOG_LEVEL", "log.level", cue.StringKind},
	{"CUSTODIAN_LOG_FORMAT", "log.format", cue.StringKind},
	{"CUSTODIAN_TRACING_ENABLED", "tracing.enabled", cue.BoolKind},
}

// LoadDotEnv reads .env files into the process environment. Missing files
// are ignored; variables already set are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration from the schema defaults, the optional file
// at path (empty for none) and the environment.
func Load(path string, env LookupEnv) (*Config, error) {
	if env == nil {
		env = os.LookupEnv
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile embedded schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		user := ctx.CompileBytes(data, cue.Filename(path))
		if err := user.Err(); err != nil {
			return nil, formatCUEError(err)
		}
		v = v.Unify(user)
	}

	for _, o := range overrides {
		raw, ok := env(o.env)
		if !ok || raw == "" {
			continue
		}
		val, err := parseOverride(o, raw)
		if err != nil {
			return nil, err
		}
		// The file layer is replaced, not unified, so the environment wins.
		v = replacePath(ctx, def, v, o.path, val)
	}

	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, formatCUEError(err)
	}
	return &cfg, nil
}

// Format renders cfg as CUE source.
func Format(cfg *Config) ([]byte, error) {
	ctx := cuecontext.New()
	v := ctx.Encode(cfg)
	if err := v.Err(); err != nil {
		return nil, err
	}
	return format.Node(v.Syntax(cue.Final(), cue.Concrete(true)))
}

func parseOverride(o override, raw string) (any, error) {
	switch o.kind {
	case cue.IntKind:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &Error{Field: o.env, Message: fmt.Sprintf("not an integer: %q", raw)}
		}
		return n, nil
	case cue.BoolKind:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, &Error{Field: o.env, Message: fmt.Sprintf("not a boolean: %q", raw)}
		}
		return b, nil
	default:
		return raw, nil
	}
}

// replacePath returns v with the value at path replaced by val. Only the
// concrete user-supplied layer is rebuilt; schema constraints still apply.
func replacePath(ctx *cue.Context, def, v cue.Value, path string, val any) cue.Value {
	var current map[string]any
	// Decode can fail on non-concrete values; fall back to the plain fill.
	if err := v.Decode(&current); err != nil {
		return v.FillPath(cue.ParsePath(path), val)
	}
	setPath(current, strings.Split(path, "."), val)
	return def.Unify(ctx.Encode(current))
}

func setPath(m map[string]any, parts []string, val any) {
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = val
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	field := strings.Join(first.Path(), ".")
	if field == "" {
		field = "config"
	}
	msg, args := first.Msg()
	cfgErr := &Error{Field: field, Message: fmt.Sprintf(msg, args...)}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		cfgErr.Pos = positions[0]
	}
	return cfgErr
}
