// Package config reads process settings from flags, with environment
// variables providing the defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/movies-index-go/retry"
)

const (
	KindMovies = "movies"
	KindGenres = "genres"

	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

var (
	knownKinds    = mapset.NewSet(KindMovies, KindGenres)
	knownBackends = mapset.NewSet(BackendRedis, BackendSQLite, BackendMemory)
	knownCommits  = mapset.NewSet("after", "before")
)

// Settings is built once at startup and passed by value to constructors.
type Settings struct {
	PostgresDSN    string
	DBHost         string
	DBPort         int
	DBName         string
	DBUser         string
	DBPassword     string
	Schema         string
	ModifiedColumn string
	PGMaxConns     int

	ElasticURLs []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StateBackend string
	StatePath    string

	Kinds          []string
	PageSize       int
	Delay          time.Duration
	EnricherCommit string
	Reindex        bool
	Once           bool

	RetryInitial  time.Duration
	RetryMax      time.Duration
	RetryElapsed  time.Duration
	RetryAttempts int

	APIAddr  string
	CacheTTL time.Duration

	LogLevel  string
	LogFormat string
}

// Load registers the flags on fs, parses args and validates the result.
// getenv supplies the defaults, normally os.Getenv.
func Load(fs *flag.FlagSet, args []string, getenv func(string) string) (Settings, error) {
	env := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	envInt := func(key string, def int) int {
		if v, err := strconv.Atoi(getenv(key)); err == nil {
			return v
		}
		return def
	}
	envDuration := func(key string, def time.Duration) time.Duration {
		raw := getenv(key)
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
		// plain numbers are seconds
		if n, err := strconv.Atoi(raw); err == nil {
			return time.Duration(n) * time.Second
		}
		return def
	}

	var s Settings
	var elastic, kinds string

	fs.StringVar(&s.PostgresDSN, "pg", env("PG_DSN", ""), "PostgreSQL connection string; overrides the -db-* flags")
	fs.StringVar(&s.DBHost, "db-host", env("DB_HOST", "localhost"), "PostgreSQL host")
	fs.IntVar(&s.DBPort, "db-port", envInt("DB_PORT", 5432), "PostgreSQL port")
	fs.StringVar(&s.DBName, "db-name", env("DB_NAME", "movies_database"), "PostgreSQL database")
	fs.StringVar(&s.DBUser, "db-user", env("DB_USER", "app"), "PostgreSQL user")
	fs.StringVar(&s.DBPassword, "db-password", env("DB_PASSWORD", ""), "PostgreSQL password")
	fs.StringVar(&s.Schema, "schema", env("DB_SCHEMA", "content"), "Schema holding the content tables")
	fs.StringVar(&s.ModifiedColumn, "modified-column", env("DB_MODIFIED_COLUMN", "modified"), "Column with the row modification time")
	fs.IntVar(&s.PGMaxConns, "pg-max-conns", envInt("DB_MAX_CONNS", 4), "Max connections per Postgres pool")

	fs.StringVar(&elastic, "es", env("ES_HOST", "http://localhost:9200"), "Comma separated Elasticsearch URLs")

	fs.StringVar(&s.RedisAddr, "redis", env("REDIS_HOST", "localhost")+":"+env("REDIS_PORT", "6379"), "Redis address")
	fs.StringVar(&s.RedisPassword, "redis-password", env("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&s.RedisDB, "redis-db", envInt("REDIS_DB", 0), "Redis database")

	fs.StringVar(&s.StateBackend, "state", env("STATE_BACKEND", BackendRedis), "Checkpoint backend: redis, sqlite or memory")
	fs.StringVar(&s.StatePath, "state-path", env("STATE_PATH", "etl-state.db"), "SQLite checkpoint file")

	fs.StringVar(&kinds, "kinds", env("ETL_KINDS", KindMovies+","+KindGenres), "Comma separated kinds to index: movies, genres")
	fs.IntVar(&s.PageSize, "page-size", envInt("PAGE_SIZE", 1000), "Rows per extracted and enriched page")
	fs.DurationVar(&s.Delay, "delay", envDuration("ETL_DELAY", time.Second), "Pause after polling each table")
	fs.StringVar(&s.EnricherCommit, "enricher-commit", env("ENRICHER_COMMIT", "after"), "Checkpoint enriched pages after or before delivering them")
	fs.BoolVar(&s.Reindex, "reindex", false, "Index every row once and exit")
	fs.BoolVar(&s.Once, "once", false, "Poll every table once and exit")

	fs.DurationVar(&s.RetryInitial, "retry-initial", 100*time.Millisecond, "Initial retry delay")
	fs.DurationVar(&s.RetryMax, "retry-max", 10*time.Second, "Maximum retry delay")
	fs.DurationVar(&s.RetryElapsed, "retry-elapsed", 2*time.Minute, "Give up retrying after this long")
	fs.IntVar(&s.RetryAttempts, "retry-attempts", envInt("ES_MAX_RETRIES", 10), "Give up retrying after this many attempts")

	fs.StringVar(&s.APIAddr, "listen", env("API_ADDR", ":8000"), "Read API listen address")
	fs.DurationVar(&s.CacheTTL, "cache-ttl", envDuration("CACHE_TTL", 5*time.Minute), "Read API cache TTL")

	fs.StringVar(&s.LogLevel, "log-level", env("DEBUG", "info"), "Log level")
	fs.StringVar(&s.LogFormat, "log-format", env("LOG_FORMAT", "text"), "Log format: text or json")

	if err := fs.Parse(args); err != nil {
		return s, err
	}
	s.ElasticURLs = splitList(elastic)
	s.Kinds = splitList(kinds)

	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// applyDefaults fills optional fields left empty.
func (s *Settings) applyDefaults() {
	if s.PageSize == 0 {
		s.PageSize = 1000
	}
	if s.PGMaxConns == 0 {
		s.PGMaxConns = 4
	}
	if s.EnricherCommit == "" {
		s.EnricherCommit = "after"
	}
	if s.LogFormat == "" {
		s.LogFormat = "text"
	}
	s.StateBackend = strings.ToLower(s.StateBackend)
	s.EnricherCommit = strings.ToLower(s.EnricherCommit)

	// keep the order, drop duplicates
	seen := mapset.NewThreadUnsafeSet[string]()
	kinds := s.Kinds[:0]
	for _, kind := range s.Kinds {
		kind = strings.ToLower(kind)
		if seen.Add(kind) {
			kinds = append(kinds, kind)
		}
	}
	s.Kinds = kinds
}

// Validate checks the configuration and returns an error if invalid.
func (s *Settings) Validate() error {
	var errs []error
	if len(s.Kinds) == 0 {
		errs = append(errs, errors.New("at least one kind must be specified"))
	}
	if unknown := mapset.NewSet(s.Kinds...).Difference(knownKinds); unknown.Cardinality() > 0 {
		errs = append(errs, fmt.Errorf("unknown kinds: %v", unknown.ToSlice()))
	}
	if !knownBackends.Contains(s.StateBackend) {
		errs = append(errs, fmt.Errorf("unknown state backend %q", s.StateBackend))
	}
	if s.StateBackend == BackendSQLite && s.StatePath == "" {
		errs = append(errs, errors.New("-state-path is required for the sqlite backend"))
	}
	if !knownCommits.Contains(s.EnricherCommit) {
		errs = append(errs, fmt.Errorf("-enricher-commit must be after or before, got %q", s.EnricherCommit))
	}
	if s.PageSize < 1 {
		errs = append(errs, fmt.Errorf("page size must be positive, got %d", s.PageSize))
	}
	if s.Reindex && s.Once {
		errs = append(errs, errors.New("-reindex and -once are mutually exclusive"))
	}
	if s.Delay < 0 {
		errs = append(errs, errors.New("delay must not be negative"))
	}
	if len(s.ElasticURLs) == 0 {
		errs = append(errs, errors.New("at least one Elasticsearch URL is required"))
	}
	for _, raw := range s.ElasticURLs {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("bad Elasticsearch URL %q", raw))
		}
	}
	if _, err := logrus.ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if s.LogFormat != "text" && s.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", s.LogFormat))
	}
	return errors.Join(errs...)
}

// DSN returns the Postgres connection string.
func (s Settings) DSN() string {
	if s.PostgresDSN != "" {
		return s.PostgresDSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.DBUser, s.DBPassword),
		Host:   net.JoinHostPort(s.DBHost, strconv.Itoa(s.DBPort)),
		Path:   "/" + s.DBName,
	}
	if s.DBPassword == "" {
		u.User = url.User(s.DBUser)
	}
	q := u.Query()
	q.Set("connect_timeout", "1")
	q.Set("application_name", "movies-etl")
	u.RawQuery = q.Encode()
	return u.String()
}

func (s Settings) RetryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	policy.InitialInterval = s.RetryInitial
	policy.MaxInterval = s.RetryMax
	policy.MaxElapsedTime = s.RetryElapsed
	policy.MaxAttempts = s.RetryAttempts
	return policy
}

// NewLogger builds the process logger.
func (s Settings) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if s.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level, err := logrus.ParseLevel(s.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logger
}
