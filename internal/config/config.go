// Package config loads run settings from an optional YAML file, the
// environment and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
	"github.com/tyler180/baseball-almanac-backends/internal/fetcher"
	"github.com/tyler180/baseball-almanac-backends/internal/logger"
)

// ErrInvalid marks a structural configuration problem. It is the only error
// the CLI turns into a non-zero exit.
var ErrInvalid = errors.New("invalid configuration")

const envPrefix = "ALMANAC"

const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

type Source struct {
	BaseURL   string `mapstructure:"base_url"`
	MenuPath  string `mapstructure:"menu_path"`
	UserAgent string `mapstructure:"user_agent"`
}

type Fetch struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type Paths struct {
	DataDir   string `mapstructure:"data_dir"`
	StorePath string `mapstructure:"store_path"`
}

type Checkpoint struct {
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	DynamoTable string `mapstructure:"dynamo_table"`
}

type Lake struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AthenaDB  string `mapstructure:"athena_db"`
	Workgroup string `mapstructure:"workgroup"`
	OutputS3  string `mapstructure:"output_s3"`
}

type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type Config struct {
	Source     Source     `mapstructure:"source"`
	Fetch      Fetch      `mapstructure:"fetch"`
	Paths      Paths      `mapstructure:"paths"`
	Checkpoint Checkpoint `mapstructure:"checkpoint"`
	Workers    int        `mapstructure:"workers"`
	Leagues    []string   `mapstructure:"leagues"`
	Lake       Lake       `mapstructure:"lake"`
	Log        Log        `mapstructure:"log"`
}

func applyDefaults(v *viper.Viper) {
	fd := fetcher.DefaultConfig()
	v.SetDefault("source.base_url", almanac.DefaultBaseURL)
	v.SetDefault("source.menu_path", almanac.MenuPath)
	v.SetDefault("source.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")

	v.SetDefault("fetch.max_attempts", fd.MaxAttempts)
	v.SetDefault("fetch.base_backoff", fd.BaseBackoff)
	v.SetDefault("fetch.max_backoff", fd.MaxBackoff)
	v.SetDefault("fetch.cooldown", fd.Cooldown)
	v.SetDefault("fetch.min_delay", fd.MinDelay)
	v.SetDefault("fetch.timeout", 30*time.Second)

	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.store_path", filepath.Join("data", "almanac.db"))

	v.SetDefault("checkpoint.backend", BackendSQLite)
	v.SetDefault("checkpoint.sqlite_path", filepath.Join("data", "checkpoints.db"))

	v.SetDefault("workers", 1)
	var codes []string
	for _, l := range almanac.AllLeagues() {
		codes = append(codes, l.Code)
	}
	v.SetDefault("leagues", codes)

	v.SetDefault("lake.prefix", "almanac")
	v.SetDefault("lake.athena_db", "almanac")
	v.SetDefault("lake.workgroup", "primary")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// shortEnv keeps the unprefixed names the Lambda deployments already set.
var shortEnv = map[string]string{
	"fetch.max_attempts":      "FETCH_MAX_ATTEMPTS",
	"fetch.min_delay":         "FETCH_MIN_DELAY",
	"workers":                 "WORKERS",
	"checkpoint.backend":      "CHECKPOINT_BACKEND",
	"checkpoint.dynamo_table": "CHECKPOINT_TABLE",
	"lake.bucket":             "LAKE_BUCKET",
	"lake.prefix":             "LAKE_PREFIX",
	"lake.athena_db":          "ATHENA_DB",
	"lake.workgroup":          "ATHENA_WORKGROUP",
	"lake.output_s3":          "ATHENA_OUTPUT_S3",
	"log.level":               "LOG_LEVEL",
	"log.development":         "LOG_DEVELOPMENT",
}

// Load reads .env (if present), then path (if set), then the environment.
// Any failure is wrapped in ErrInvalid.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	applyDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range shortEnv {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("%w: bind %s: %v", ErrInvalid, key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.Leagues = splitList(cfg.Leagues)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitList accepts both YAML lists and a single comma-separated value.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	var problems []string
	if c.Workers < 1 {
		problems = append(problems, fmt.Sprintf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Fetch.MaxAttempts < 1 {
		problems = append(problems, fmt.Sprintf("fetch.max_attempts must be at least 1, got %d", c.Fetch.MaxAttempts))
	}
	if len(c.Leagues) == 0 {
		problems = append(problems, "no leagues configured")
	}
	for _, l := range c.Leagues {
		if _, ok := almanac.LeagueByCode(l); !ok {
			problems = append(problems, fmt.Sprintf("unknown league %q", l))
		}
	}
	switch c.Checkpoint.Backend {
	case BackendSQLite:
		if c.Checkpoint.SQLitePath == "" {
			problems = append(problems, "checkpoint.sqlite_path is empty")
		}
	case BackendDynamoDB:
		if c.Checkpoint.DynamoTable == "" {
			problems = append(problems, "checkpoint.dynamo_table is required for the dynamodb backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown checkpoint backend %q", c.Checkpoint.Backend))
	}
	if c.Paths.DataDir == "" || c.Paths.StorePath == "" {
		problems = append(problems, "paths.data_dir and paths.store_path are required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) FetcherConfig() fetcher.Config {
	return fetcher.Config{
		MaxAttempts: c.Fetch.MaxAttempts,
		BaseBackoff: c.Fetch.BaseBackoff,
		MaxBackoff:  c.Fetch.MaxBackoff,
		Cooldown:    c.Fetch.Cooldown,
		MinDelay:    c.Fetch.MinDelay,
	}
}

func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{Level: c.Log.Level, Development: c.Log.Development}
}

// Selection is the part of the unit matrix an operator asked for.
type Selection struct {
	Leagues []string
	Tables  []almanac.TableType
	Seasons almanac.SeasonRange
}

// Select validates operator filters. Empty leagues fall back to the
// configured ones; empty tables mean every table type.
func (c *Config) Select(leagues []string, tables []string, seasons string) (Selection, error) {
	sel := Selection{Leagues: splitList(leagues)}
	if len(sel.Leagues) == 0 {
		sel.Leagues = c.Leagues
	}
	for _, l := range sel.Leagues {
		if _, ok := almanac.LeagueByCode(l); !ok {
			return Selection{}, fmt.Errorf("%w: unknown league %q", ErrInvalid, l)
		}
	}
	for _, t := range tables {
		for _, p := range strings.Split(t, ",") {
			if strings.TrimSpace(p) == "" {
				continue
			}
			tt, err := almanac.ParseTableType(p)
			if err != nil {
				return Selection{}, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			sel.Tables = append(sel.Tables, tt)
		}
	}
	r, err := almanac.ParseSeasonRange(seasons)
	if err != nil {
		return Selection{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	sel.Seasons = r
	return sel, nil
}
