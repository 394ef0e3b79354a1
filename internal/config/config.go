// Package config loads service configuration from an optional file and
// ORBITRACK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/star/orbitrack/internal/auth"
	"github.com/star/orbitrack/internal/geo"
	"github.com/star/orbitrack/internal/stream"
	"github.com/star/orbitrack/internal/tle"
	"github.com/star/orbitrack/internal/tracing"
	"github.com/star/orbitrack/internal/tracker"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ORBITRACK"

// Config is the fully resolved service configuration.
type Config struct {
	HTTPAddr      string
	LogLevel      slog.Level
	TrustProxy    bool
	Auth          auth.Config
	Groups        []tle.Group
	FetchTimeout  time.Duration
	FetchMaxBytes int64
	Tracker       tracker.Config
	Stream        stream.Config
	Tracing       tracing.Config
}

// DefaultGroups are the celestrak groups tracked out of the box.
func DefaultGroups() []tle.Group {
	return []tle.Group{
		{Name: "stations", URL: "https://celestrak.org/NORAD/elements/gp.php?GROUP=stations&FORMAT=tle"},
		{Name: "visual", URL: "https://celestrak.org/NORAD/elements/gp.php?GROUP=visual&FORMAT=tle"},
		{Name: "starlink", URL: "https://celestrak.org/NORAD/elements/gp.php?GROUP=starlink&FORMAT=tle"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trustProxy", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token", "")

	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.maxBytes", tle.DefaultMaxBytes)

	v.SetDefault("cycles.fast", "1s")
	v.SetDefault("cycles.slow", "6h")

	v.SetDefault("registry.maxObjects", 500)
	v.SetDefault("registry.preferFeatured", false)

	v.SetDefault("track.past", "45m")
	v.SetDefault("track.future", "90m")
	v.SetDefault("track.step", "30s")
	v.SetDefault("track.refresh", "60s")

	v.SetDefault("stream.maxConcurrentPerIP", 10)
	v.SetDefault("stream.keepalive", "30s")
	v.SetDefault("stream.clientBuffer", 256)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "orbitrack")
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampleRatio", 1.0)
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply. Malformed scalar values fall back to
// their defaults with a warning; structural problems are returned.
func Load(path string, logger *slog.Logger) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	return fromViper(v, logger)
}

func fromViper(v *viper.Viper, logger *slog.Logger) (Config, error) {
	var cfg Config
	r := reader{v: v, logger: logger}

	cfg.HTTPAddr = v.GetString("http.addr")
	cfg.TrustProxy = r.boolean("http.trustProxy")
	cfg.LogLevel = r.level("log.level")

	cfg.Auth.Enabled = r.boolean("auth.enabled")
	cfg.Auth.Token = v.GetString("auth.token")
	if cfg.Auth.Enabled && cfg.Auth.Token == "" {
		return cfg, errors.New("auth.token is required when auth is enabled")
	}

	groups, err := groupsFrom(v.Get("groups"))
	if err != nil {
		return cfg, err
	}
	cfg.Groups = groups

	cfg.FetchTimeout = r.duration("fetch.timeout")
	cfg.FetchMaxBytes = int64(r.positiveInt("fetch.maxBytes"))

	featured, err := featuredFrom(v.Get("featured"))
	if err != nil {
		return cfg, err
	}
	cfg.Tracker = tracker.Config{
		FastInterval:   r.duration("cycles.fast"),
		SlowInterval:   r.duration("cycles.slow"),
		MaxObjects:     r.positiveInt("registry.maxObjects"),
		PreferFeatured: r.boolean("registry.preferFeatured"),
		Featured:       featured,
		Track: geo.Window{
			Past:   r.duration("track.past"),
			Future: r.duration("track.future"),
			Step:   r.duration("track.step"),
		},
		TrackRefresh: r.duration("track.refresh"),
	}

	cfg.Stream = stream.Config{
		MaxConcurrentPerIP: r.positiveInt("stream.maxConcurrentPerIP"),
		KeepaliveInterval:  r.duration("stream.keepalive"),
		ClientBuffer:       r.positiveInt("stream.clientBuffer"),
		TrustProxy:         cfg.TrustProxy,
	}

	cfg.Tracing = tracing.Config{
		Enabled:     r.boolean("tracing.enabled"),
		ServiceName: v.GetString("tracing.serviceName"),
		Exporter:    v.GetString("tracing.exporter"),
		Endpoint:    v.GetString("tracing.endpoint"),
		SampleRatio: r.ratio("tracing.sampleRatio"),
	}

	return cfg, nil
}

// reader converts raw values, warning and falling back to the registered
// default when a value cannot be used.
type reader struct {
	v      *viper.Viper
	logger *slog.Logger
}

func (r reader) fallback(key string, raw any) any {
	def := defaultOf(key)
	r.logger.Warn("invalid config value, using default", "key", key, "value", raw, "default", def)
	return def
}

func (r reader) duration(key string) time.Duration {
	raw := r.v.Get(key)
	d, err := cast.ToDurationE(raw)
	if err != nil || d <= 0 {
		d, _ = cast.ToDurationE(r.fallback(key, raw))
	}
	return d
}

func (r reader) positiveInt(key string) int {
	raw := r.v.Get(key)
	n, err := cast.ToIntE(raw)
	if err != nil || n <= 0 {
		n, _ = cast.ToIntE(r.fallback(key, raw))
	}
	return n
}

func (r reader) boolean(key string) bool {
	raw := r.v.Get(key)
	b, err := cast.ToBoolE(raw)
	if err != nil {
		b, _ = cast.ToBoolE(r.fallback(key, raw))
	}
	return b
}

func (r reader) ratio(key string) float64 {
	raw := r.v.Get(key)
	f, err := cast.ToFloat64E(raw)
	if err != nil || f < 0 || f > 1 {
		f, _ = cast.ToFloat64E(r.fallback(key, raw))
	}
	return f
}

func (r reader) level(key string) slog.Level {
	raw := r.v.GetString(key)
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		r.fallback(key, raw)
		return slog.LevelInfo
	}
	return lvl
}

func defaultOf(key string) any {
	d := viper.New()
	setDefaults(d)
	return d.Get(key)
}

// groupsFrom accepts a list of {name, url} maps from a config file, or a
// "name=url,name=url" string from the environment.
func groupsFrom(raw any) ([]tle.Group, error) {
	if raw == nil {
		return DefaultGroups(), nil
	}

	var groups []tle.Group
	switch val := raw.(type) {
	case string:
		for _, part := range strings.Split(val, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, url, ok := strings.Cut(part, "=")
			if !ok {
				return nil, fmt.Errorf("group %q: want name=url", part)
			}
			groups = append(groups, tle.Group{Name: strings.TrimSpace(name), URL: strings.TrimSpace(url)})
		}
	case []any:
		for i, item := range val {
			m, err := cast.ToStringMapStringE(item)
			if err != nil {
				return nil, fmt.Errorf("group %d: %w", i, err)
			}
			groups = append(groups, tle.Group{Name: m["name"], URL: m["url"]})
		}
	default:
		return nil, fmt.Errorf("groups: unsupported value of type %T", raw)
	}

	if len(groups) == 0 {
		return nil, errors.New("at least one group is required")
	}
	seen := make(map[string]bool, len(groups))
	for i, g := range groups {
		if g.URL == "" {
			return nil, fmt.Errorf("group %d (%s): url is required", i, g.Name)
		}
		if g.Name == "" {
			return nil, fmt.Errorf("group %d: name is required", i)
		}
		if seen[g.Name] {
			return nil, fmt.Errorf("group %s listed twice", g.Name)
		}
		seen[g.Name] = true
	}
	return groups, nil
}

// featuredFrom reads a catalog id → {name, glyph} table. Without one the
// built-in table is used.
func featuredFrom(raw any) (tle.Featured, error) {
	if raw == nil {
		return tle.DefaultFeatured(), nil
	}
	table, err := cast.ToStringMapE(raw)
	if err != nil {
		return nil, fmt.Errorf("featured: %w", err)
	}

	out := make(tle.Featured, len(table))
	for k, item := range table {
		id, err := strconv.Atoi(k)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("featured: catalog id %q is not a positive integer", k)
		}
		entry, err := cast.ToStringMapStringE(item)
		if err != nil {
			return nil, fmt.Errorf("featured %d: %w", id, err)
		}
		glyph := entry["glyph"]
		if glyph == "" {
			glyph = tle.GenericGlyph
		}
		out[id] = tle.Feature{Name: entry["name"], Glyph: glyph}
	}
	return out, nil
}
