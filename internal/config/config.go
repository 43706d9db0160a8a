package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mgazza/dorm-energy-sync/internal/dorms"
	"github.com/mgazza/dorm-energy-sync/internal/telemetry"
)

// CacheDisabled turns the record/replay transport off.
const CacheDisabled = "disable"

// Config contains runtime configuration values.
type Config struct {
	Environment string

	ClientID     string
	ClientSecret string
	Organization string
	EntitiesFile string

	CacheTTL         time.Duration
	RefreshInterval  time.Duration
	RotateInterval   time.Duration
	HTTPTimeout      time.Duration
	UpstreamRPS      float64
	UpstreamBurst    int
	IntegrateHistory bool

	DefaultUsername string
	DefaultDorm     string
	EnergyPoints    int

	// RallyEnd is the last day of the current rally, local time. Zero means
	// no rally is running.
	RallyEnd time.Time

	HTTPAddr           string
	CORSAllowedOrigins []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	KafkaBrokers []string
	KafkaTopic   string

	TelemetryEndpoint string
	TelemetryInsecure bool
	ServiceName       string

	CacheDirectory string
	Once           bool
	OutputCSV      string
}

// Load reads configuration from the environment, after loading a .env file
// when one exists.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Environment:        getEnv("APP_ENV", "development"),
		ClientID:           strings.TrimSpace(os.Getenv("WILLOW_CLIENT_ID")),
		ClientSecret:       strings.TrimSpace(os.Getenv("WILLOW_CLIENT_SECRET")),
		Organization:       strings.TrimSpace(os.Getenv("WILLOW_ORGANIZATION")),
		EntitiesFile:       os.Getenv("ENTITIES_FILE"),
		CacheTTL:           getDuration("CACHE_TTL", 30*time.Minute),
		RefreshInterval:    getDuration("REFRESH_INTERVAL", 30*time.Minute),
		RotateInterval:     getDuration("ROTATE_INTERVAL", 10*time.Second),
		HTTPTimeout:        getDuration("HTTP_TIMEOUT", 30*time.Second),
		UpstreamRPS:        getFloat("UPSTREAM_RPS", 5),
		UpstreamBurst:      getInt("UPSTREAM_BURST", 5),
		IntegrateHistory:   getBool("INTEGRATE_HISTORY", false),
		DefaultUsername:    getEnv("DEFAULT_USERNAME", "Guest"),
		DefaultDorm:        getEnv("DEFAULT_DORM", "TINSLEY"),
		EnergyPoints:       getInt("ENERGY_POINTS", 5460),
		RallyEnd:           getDate("RALLY_END"),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		CORSAllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getInt("REDIS_DB", 0),
		InfluxURL:          os.Getenv("INFLUX_URL"),
		InfluxToken:        os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:          os.Getenv("INFLUX_ORG"),
		InfluxBucket:       getEnv("INFLUX_BUCKET", "dorm-energy"),
		KafkaBrokers:       getList("KAFKA_BROKERS", nil),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "dorm-energy.state"),
		TelemetryEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:  getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		ServiceName:        getEnv("SERVICE_NAME", "dorm-energy-sync"),
		CacheDirectory:     getEnv("CACHE_DIR", CacheDisabled),
		OutputCSV:          getEnv("OUTPUT_CSV", "output.csv"),
	}
}

// Credentials returns the upstream credentials.
func (c Config) Credentials() telemetry.Credentials {
	return telemetry.Credentials{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Organization: c.Organization,
	}
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if err := c.Credentials().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL))
	}
	if c.RefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("REFRESH_INTERVAL must be positive, got %s", c.RefreshInterval))
	}
	if c.RotateInterval <= 0 {
		errs = append(errs, fmt.Errorf("ROTATE_INTERVAL must be positive, got %s", c.RotateInterval))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout))
	}
	if c.UpstreamRPS < 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_RPS must not be negative, got %v", c.UpstreamRPS))
	}
	if c.EnergyPoints < 0 {
		errs = append(errs, fmt.Errorf("ENERGY_POINTS must not be negative, got %d", c.EnergyPoints))
	}
	if c.Once && c.OutputCSV == "" {
		errs = append(errs, errors.New("--out is required with --once"))
	}
	if c.InfluxURL != "" && (c.InfluxOrg == "" || c.InfluxBucket == "") {
		errs = append(errs, errors.New("INFLUX_ORG and INFLUX_BUCKET are required with INFLUX_URL"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required with KAFKA_BROKERS"))
	}
	return errors.Join(errs...)
}

type entitiesFile struct {
	Entities []dorms.Entity `yaml:"entities"`
}

// LoadEntities reads the monitored dorms from a YAML file. An empty path
// returns the default set.
func LoadEntities(path string) ([]dorms.Entity, error) {
	if path == "" {
		return dorms.DefaultEntities(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entities file: %w", err)
	}
	var file entitiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse entities file %s: %w", path, err)
	}
	if len(file.Entities) == 0 {
		return nil, fmt.Errorf("entities file %s lists no entities", path)
	}
	seen := make(map[string]bool, len(file.Entities))
	for i, e := range file.Entities {
		e.Name = strings.ToUpper(strings.TrimSpace(e.Name))
		e.TwinID = strings.TrimSpace(e.TwinID)
		if e.Name == "" || e.TwinID == "" {
			return nil, fmt.Errorf("entities file %s: entry %d needs a name and a twinId", path, i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("entities file %s: duplicate entity %s", path, e.Name)
		}
		seen[e.Name] = true
		file.Entities[i] = e
	}
	return file.Entities, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

// getDate parses a YYYY-MM-DD value as local midnight.
func getDate(key string) time.Time {
	if v, ok := os.LookupEnv(key); ok {
		t, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(v), time.Local)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
