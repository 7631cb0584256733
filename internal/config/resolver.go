package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/bibauthor/internal/compcache"
	"github.com/hurttlocker/bibauthor/internal/logging"
	"github.com/hurttlocker/bibauthor/internal/matrix"
	"github.com/hurttlocker/bibauthor/internal/reconcile"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath  string
	CLIDBPath   string
	CLICacheDir string
	CLIWorkers  string
	CLILogLevel string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath   ResolvedValue `json:"db_path"`
	CacheDir ResolvedValue `json:"cache_dir"`

	CacheVersion     ResolvedValue `json:"cache_version"`
	CacheCompression ResolvedValue `json:"cache_compression"`
	CacheWorkers     ResolvedValue `json:"cache_workers"`
	CacheMemoLimit   ResolvedValue `json:"cache_memo_limit"`

	Threshold ResolvedValue `json:"reconcile_threshold"`

	LogLevel  ResolvedValue `json:"log_level"`
	LogFormat ResolvedValue `json:"log_format"`
}

// Settings is a ResolvedConfig parsed into typed values.
type Settings struct {
	DBPath           string
	CacheDir         string
	CacheVersion     int
	CacheCompression matrix.Codec
	CacheWorkers     int
	CacheMemoLimit   int
	Threshold        float64
	LogLevel         slog.Level
	LogFormat        string
}

type fileConfig struct {
	DBPath   string `yaml:"db_path"`
	CacheDir string `yaml:"cache_dir"`
	Cache    struct {
		Version     string `yaml:"version"`
		Compression string `yaml:"compression"`
		Workers     string `yaml:"workers"`
		MemoLimit   string `yaml:"memo_limit"`
	} `yaml:"cache"`
	Reconcile struct {
		Threshold string `yaml:"threshold"`
	} `yaml:"reconcile"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".bibauthor", "config.yaml")
}

func defaults() ResolvedConfig {
	def := func(v string) ResolvedValue {
		return ResolvedValue{Value: v, Source: SourceDefault, From: "built-in default"}
	}
	return ResolvedConfig{
		DBPath:           def("~/.bibauthor/bibauthor.db"),
		CacheDir:         def("~/.bibauthor/cache"),
		CacheVersion:     def(strconv.Itoa(compcache.FormatVersion)),
		CacheCompression: def(matrix.CodecZstd.String()),
		CacheWorkers:     def(strconv.Itoa(compcache.DefaultWorkers)),
		CacheMemoLimit:   def(strconv.Itoa(compcache.DefaultMemoLimit)),
		Threshold:        def(strconv.FormatFloat(reconcile.DefaultThreshold, 'f', 2, 64)),
		LogLevel:         def("info"),
		LogFormat:        def("text"),
	}
}

// ResolveConfig layers the config file, BIBAUTHOR_* environment variables
// and CLI flags over built-in defaults, recording where each value came from.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := defaults()
	out.ConfigPath = path

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.CacheDir, cfg.CacheDir, SourceConfig, path)
		apply(&out.CacheVersion, cfg.Cache.Version, SourceConfig, path)
		apply(&out.CacheCompression, cfg.Cache.Compression, SourceConfig, path)
		apply(&out.CacheWorkers, cfg.Cache.Workers, SourceConfig, path)
		apply(&out.CacheMemoLimit, cfg.Cache.MemoLimit, SourceConfig, path)
		apply(&out.Threshold, cfg.Reconcile.Threshold, SourceConfig, path)
		apply(&out.LogLevel, cfg.Log.Level, SourceConfig, path)
		apply(&out.LogFormat, cfg.Log.Format, SourceConfig, path)
	}

	applyEnv(&out.DBPath, "BIBAUTHOR_DB")
	applyEnv(&out.DBPath, "BIBAUTHOR_DB_PATH")
	applyEnv(&out.CacheDir, "BIBAUTHOR_CACHE_DIR")
	applyEnv(&out.CacheVersion, "BIBAUTHOR_CACHE_VERSION")
	applyEnv(&out.CacheCompression, "BIBAUTHOR_CACHE_COMPRESSION")
	applyEnv(&out.CacheWorkers, "BIBAUTHOR_CACHE_WORKERS")
	applyEnv(&out.CacheMemoLimit, "BIBAUTHOR_MEMO_LIMIT")
	applyEnv(&out.Threshold, "BIBAUTHOR_THRESHOLD")
	applyEnv(&out.LogLevel, "BIBAUTHOR_LOG_LEVEL")
	applyEnv(&out.LogFormat, "BIBAUTHOR_LOG_FORMAT")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.CacheDir, opts.CLICacheDir, SourceCLI, "--cache-dir")
	apply(&out.CacheWorkers, opts.CLIWorkers, SourceCLI, "--workers")
	apply(&out.LogLevel, opts.CLILogLevel, SourceCLI, "--log-level")

	out.DBPath.Value = expandUserPath(out.DBPath.Value)
	out.CacheDir.Value = expandUserPath(out.CacheDir.Value)

	return out, nil
}

// Settings parses every resolved value, naming the offending key and its
// origin on failure.
func (r ResolvedConfig) Settings() (Settings, error) {
	var s Settings
	var err error

	s.DBPath = r.DBPath.Value
	s.CacheDir = r.CacheDir.Value

	if s.CacheVersion, err = strconv.Atoi(r.CacheVersion.Value); err != nil {
		return s, invalid("cache.version", r.CacheVersion, err)
	}
	if s.CacheCompression, err = matrix.ParseCodec(r.CacheCompression.Value); err != nil {
		return s, invalid("cache.compression", r.CacheCompression, err)
	}
	if s.CacheWorkers, err = strconv.Atoi(r.CacheWorkers.Value); err != nil || s.CacheWorkers < 1 {
		return s, invalid("cache.workers", r.CacheWorkers, positive(err))
	}
	if s.CacheMemoLimit, err = strconv.Atoi(r.CacheMemoLimit.Value); err != nil || s.CacheMemoLimit < 1 {
		return s, invalid("cache.memo_limit", r.CacheMemoLimit, positive(err))
	}
	if s.Threshold, err = strconv.ParseFloat(r.Threshold.Value, 64); err != nil || s.Threshold < 0 || s.Threshold > 1 {
		if err == nil {
			err = fmt.Errorf("must lie in [0,1]")
		}
		return s, invalid("reconcile.threshold", r.Threshold, err)
	}
	if s.LogLevel, err = logging.ParseLevel(r.LogLevel.Value); err != nil {
		return s, invalid("log.level", r.LogLevel, err)
	}
	switch f := strings.ToLower(r.LogFormat.Value); f {
	case "text", "json":
		s.LogFormat = f
	default:
		return s, invalid("log.format", r.LogFormat, fmt.Errorf("unknown format %q (use: text, json)", r.LogFormat.Value))
	}
	return s, nil
}

// Entry is one resolved value under its config key.
type Entry struct {
	Key   string
	Value ResolvedValue
}

// Entries lists every resolved value in display order.
func (r ResolvedConfig) Entries() []Entry {
	return []Entry{
		{"db_path", r.DBPath},
		{"cache_dir", r.CacheDir},
		{"cache.version", r.CacheVersion},
		{"cache.compression", r.CacheCompression},
		{"cache.workers", r.CacheWorkers},
		{"cache.memo_limit", r.CacheMemoLimit},
		{"reconcile.threshold", r.Threshold},
		{"log.level", r.LogLevel},
		{"log.format", r.LogFormat},
	}
}

func invalid(key string, v ResolvedValue, err error) error {
	return fmt.Errorf("invalid %s %q (from %s %s): %w", key, v.Value, v.Source, v.From, err)
}

func positive(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("must be positive")
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
