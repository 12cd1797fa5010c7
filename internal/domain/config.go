package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete Pacifier configuration.
type Config struct {
	// Status API settings
	Server ServerConfig `json:"server"`

	Detection DetectionConfig `json:"detection"`
	Ban       BanConfig       `json:"ban"`
	Whois     WhoisConfig     `json:"whois"`

	// Component configurations
	Source   SourceConfig   `json:"source"`
	Cache    CacheConfig    `json:"cache"`
	EventBus EventBusConfig `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP status server settings.
type ServerConfig struct {
	Enabled      bool   `json:"enabled"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// DetectionConfig controls the evaluation cycle and scoring.
type DetectionConfig struct {
	// CheckInterval is the cycle period.
	CheckInterval time.Duration `json:"checkInterval"`

	// Windows are the look-back spans evaluated on every cycle.
	Windows []time.Duration `json:"windows"`

	MinScore         int           `json:"minScore"`
	MinNetworkPrefix int           `json:"minNetworkPrefix"`
	MaxWorkers       int           `json:"maxWorkers"`
	LookupTimeout    time.Duration `json:"lookupTimeout"`
}

// BanConfig holds the escalation policy and the edge delivery settings.
type BanConfig struct {
	BaseDuration   time.Duration `json:"baseDuration"`
	Multiplier     time.Duration `json:"multiplier"`
	MemoryTTL      time.Duration `json:"memoryTtl"`
	MaxDuration    time.Duration `json:"maxDuration"` // enforced by the edge filter API
	Action         string        `json:"action"`
	URLTemplate    string        `json:"urlTemplate"` // {host} is replaced by the edge host name
	Hosts          []string      `json:"hosts"`
	RequestTimeout time.Duration `json:"requestTimeout"`
}

// WhoisConfig points at the bulk registry service.
type WhoisConfig struct {
	Addr    string        `json:"addr"`
	Timeout time.Duration `json:"timeout"`
}

// SourceConfig selects and configures the raw event source.
type SourceConfig struct {
	// Driver is "elastic", "sqlite" or "postgres"
	Driver string `json:"driver"`

	// Elasticsearch specific
	ElasticURL    string `json:"elasticUrl"`
	IndexTemplate string `json:"indexTemplate"` // strftime-style %Y %m %d
	Query         string `json:"query"`

	// Structured filter used by SQL drivers
	Paths         []string `json:"paths"`
	Method        string   `json:"method"`
	ExcludeStatus []int    `json:"excludeStatus"`

	// SQL specific
	Table            string `json:"table"`
	SQLitePath       string `json:"sqlitePath"`
	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Debug bool `json:"debug"`
}

// DefaultCMSBruteQuery matches login attempts against common CMS endpoints.
const DefaultCMSBruteQuery = "(path:xmlrpc.php OR path:administrator.php OR path:wp-login.php OR path:admin OR path:wp-admin) AND method:POST AND NOT code:301"

// DefaultConfig returns the reference configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         9090,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Detection: DetectionConfig{
			CheckInterval:    120 * time.Second,
			Windows:          []time.Duration{120 * time.Second, 120 * 30 * time.Second},
			MinScore:         3,
			MinNetworkPrefix: 23,
			MaxWorkers:       10,
			LookupTimeout:    2 * time.Second,
		},
		Ban: BanConfig{
			BaseDuration:   600 * time.Second,
			Multiplier:     100 * time.Second,
			MemoryTTL:      4 * time.Hour,
			MaxDuration:    7200 * time.Second,
			Action:         "setCookie",
			URLTemplate:    "http://{host}.intr/ip-filter",
			RequestTimeout: 3 * time.Second,
		},
		Whois: WhoisConfig{
			Addr:    "whois.cymru.com:43",
			Timeout: 10 * time.Second,
		},
		Source: SourceConfig{
			Driver:        "elastic",
			ElasticURL:    "http://es.intr:9200",
			IndexTemplate: "nginx-%Y.%m.%d",
			Query:         DefaultCMSBruteQuery,
			Paths:         []string{"/xmlrpc.php", "/administrator.php", "/wp-login.php", "/admin", "/wp-admin"},
			Method:        "POST",
			ExcludeStatus: []int{301},
			Table:         "access_log",
			SQLitePath:    "./access_log.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			LookupTTL:    time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
	}
}

// LoadConfig builds the configuration from defaults and PACIFIER_*
// environment variables read through getenv.
func LoadConfig(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()
	env := envReader{getenv: getenv}

	env.boolVar("PACIFIER_DEBUG", &cfg.Logging.Debug)

	env.boolVar("PACIFIER_SERVER_ENABLED", &cfg.Server.Enabled)
	env.stringVar("PACIFIER_HOST", &cfg.Server.Host)
	env.intVar("PACIFIER_PORT", &cfg.Server.Port)

	env.durationVar("PACIFIER_CHECK_INTERVAL", &cfg.Detection.CheckInterval)
	env.durationsVar("PACIFIER_WINDOWS", &cfg.Detection.Windows)
	env.intVar("PACIFIER_MIN_SCORE", &cfg.Detection.MinScore)
	env.intVar("PACIFIER_MIN_NETWORK_PREFIX", &cfg.Detection.MinNetworkPrefix)
	env.intVar("PACIFIER_MAX_WORKERS", &cfg.Detection.MaxWorkers)
	env.durationVar("PACIFIER_LOOKUP_TIMEOUT", &cfg.Detection.LookupTimeout)

	// The legacy deployment spelled the variable without the second I.
	env.listVar("PACIFER_MONITORING_HOSTS", &cfg.Ban.Hosts)
	env.listVar("PACIFIER_MONITORING_HOSTS", &cfg.Ban.Hosts)
	env.stringVar("PACIFIER_URL_TEMPLATE", &cfg.Ban.URLTemplate)
	env.stringVar("PACIFIER_FILTER_ACTION", &cfg.Ban.Action)
	env.durationVar("PACIFIER_BLOCK_TIME_DEFAULT", &cfg.Ban.BaseDuration)
	env.durationVar("PACIFIER_BLOCK_TIME_MULTIPLIER", &cfg.Ban.Multiplier)
	env.durationVar("PACIFIER_BLOCK_TIME_TTL", &cfg.Ban.MemoryTTL)
	env.durationVar("PACIFIER_BLOCK_TIME_MAX", &cfg.Ban.MaxDuration)
	env.durationVar("PACIFIER_BAN_TIMEOUT", &cfg.Ban.RequestTimeout)

	env.stringVar("PACIFIER_WHOIS_ADDR", &cfg.Whois.Addr)
	env.durationVar("PACIFIER_WHOIS_TIMEOUT", &cfg.Whois.Timeout)

	env.stringVar("PACIFIER_SOURCE", &cfg.Source.Driver)
	env.stringVar("PACIFIER_ES_URL", &cfg.Source.ElasticURL)
	env.stringVar("PACIFIER_ES_INDEX_TEMPLATE", &cfg.Source.IndexTemplate)
	env.stringVar("PACIFIER_ES_QUERY", &cfg.Source.Query)
	env.stringVar("PACIFIER_SQL_TABLE", &cfg.Source.Table)
	env.stringVar("PACIFIER_SQLITE_PATH", &cfg.Source.SQLitePath)
	env.stringVar("PACIFIER_POSTGRES_HOST", &cfg.Source.PostgresHost)
	env.intVar("PACIFIER_POSTGRES_PORT", &cfg.Source.PostgresPort)
	env.stringVar("PACIFIER_POSTGRES_USER", &cfg.Source.PostgresUser)
	env.stringVar("PACIFIER_POSTGRES_PASSWORD", &cfg.Source.PostgresPassword)
	env.stringVar("PACIFIER_POSTGRES_DB", &cfg.Source.PostgresDB)
	env.stringVar("PACIFIER_POSTGRES_SSLMODE", &cfg.Source.PostgresSSLMode)

	env.stringVar("PACIFIER_CACHE", &cfg.Cache.Type)
	env.stringVar("PACIFIER_REDIS_ADDR", &cfg.Cache.RedisAddr)
	env.stringVar("PACIFIER_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	env.intVar("PACIFIER_REDIS_DB", &cfg.Cache.RedisDB)
	env.boolVar("PACIFIER_CACHE_TWO_PHASE", &cfg.Cache.EnableTwoPhase)
	env.durationVar("PACIFIER_LOOKUP_TTL", &cfg.Cache.LookupTTL)

	env.stringVar("PACIFIER_BUS", &cfg.EventBus.Type)
	env.stringVar("PACIFIER_NATS_URL", &cfg.EventBus.NATSUrl)
	env.stringVar("PACIFIER_NATS_TOKEN", &cfg.EventBus.NATSToken)

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Ban.Hosts) == 0 {
		errs = append(errs, errors.New("no edge hosts configured (PACIFIER_MONITORING_HOSTS)"))
	}
	if c.Detection.CheckInterval <= 0 {
		errs = append(errs, errors.New("check interval must be positive"))
	}
	if len(c.Detection.Windows) == 0 {
		errs = append(errs, errors.New("at least one detection window is required"))
	}
	for _, w := range c.Detection.Windows {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("detection window %s must be positive", w))
		}
	}
	if c.Ban.BaseDuration < time.Second {
		errs = append(errs, errors.New("base block duration must be at least one second"))
	}
	if !strings.Contains(c.Ban.URLTemplate, "{host}") {
		errs = append(errs, fmt.Errorf("url template %q has no {host} placeholder", c.Ban.URLTemplate))
	}
	if strings.ContainsAny(c.Ban.Action, " \n") || c.Ban.Action == "" {
		errs = append(errs, fmt.Errorf("filter action %q must be a single token", c.Ban.Action))
	}
	return errors.Join(errs...)
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.getenv(key))
	return v, v != ""
}

func (e *envReader) stringVar(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) boolVar(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) durationVar(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := parseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (e *envReader) durationsVar(key string, dst *[]time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []time.Duration
	for _, part := range splitList(v) {
		d, err := parseDuration(part)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		out = append(out, d)
	}
	*dst = out
}

func (e *envReader) listVar(key string, dst *[]string) {
	if v, ok := e.lookup(key); ok {
		*dst = splitList(v)
	}
}

// parseDuration accepts Go durations ("2m") and bare seconds ("600").
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
