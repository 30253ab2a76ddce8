// Package config loads the lighthouse configuration from a YAML file,
// LIGHTHOUSE_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/melih/lighthouse/internal/adapters/docker"
	"github.com/melih/lighthouse/internal/deploy"
	"github.com/melih/lighthouse/internal/jobqueue"
	"github.com/melih/lighthouse/internal/logging"
	"github.com/melih/lighthouse/internal/reassembly"
	"github.com/melih/lighthouse/internal/router"
	"github.com/melih/lighthouse/internal/tag"
)

const envPrefix = "LIGHTHOUSE"

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

type Config struct {
	Listen          string `validate:"required"`
	ShutdownTimeout time.Duration
	Logging         logging.Config
	Store           StoreConfig
	Docker          docker.Config
	Builder         BuilderConfig
	Ports           PortRange
	Deploy          deploy.Config
	Traefik         deploy.TraefikConfig
	Proxy           ProxyConfig
	Queue           QueueConfig
	Logs            LogsConfig
}

type StoreConfig struct {
	Workspaces string `validate:"oneof=memory redis mongo"`
	Jobs       string `validate:"oneof=memory redis"`
	Redis      RedisConfig
	Mongo      MongoConfig
}

type RedisConfig struct {
	// Either a single address or a seed list of host:port addresses
	Addrs    []string
	DB       int `validate:"gte=0,lte=16"`
	Password string
	Prefix   string
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:    rc.Addrs,
		DB:       rc.DB,
		Password: rc.Password,
	}
}

type MongoConfig struct {
	URI      string
	Database string
}

type BuilderConfig struct {
	// WorkDir holds temporary checkouts; empty means the system temp dir.
	WorkDir string
}

// PortRange is the inclusive range host ports are assigned from.
type PortRange struct {
	Min int `validate:"gte=1,lte=65535"`
	Max int `validate:"gte=1,lte=65535"`
}

type ProxyConfig struct {
	// Domain enables the subdomain proxy for <name>-<owner>.<Domain>.
	Domain     string
	TargetHost string
}

type QueueConfig struct {
	Retry jobqueue.Config
	Pool  jobqueue.PoolConfig
}

type LogsConfig struct {
	// Root is the directory destination paths are resolved under.
	Root         string `validate:"required"`
	MaxOpenFiles int    `validate:"gte=1"`
	MinSegments  int
	MaxSegments  int
	Reassembly   reassembly.Config
	Router       router.Config
	Rules        []router.Rule `validate:"dive"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":3000")
	v.SetDefault("shutdownTimeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logging.FormatText)
	v.SetDefault("logging.metrics", true)

	v.SetDefault("store.workspaces", BackendMemory)
	v.SetDefault("store.jobs", BackendMemory)
	v.SetDefault("store.redis.addrs", []string{"localhost:6379"})
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.prefix", "lighthouse")
	v.SetDefault("store.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo.database", "lighthouse")

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.fluentdAddress", "")
	v.SetDefault("docker.stopTimeout", "10s")
	v.SetDefault("docker.probeTimeout", "3s")
	v.SetDefault("docker.probeHost", "127.0.0.1")
	v.SetDefault("docker.logTail", 200)

	v.SetDefault("builder.workDir", "")

	v.SetDefault("ports.min", 20000)
	v.SetDefault("ports.max", 29999)

	v.SetDefault("deploy.containerPort", 80)
	v.SetDefault("deploy.imagePrefix", "lighthouse")
	v.SetDefault("deploy.network", "")
	v.SetDefault("deploy.health.interval", "2s")
	v.SetDefault("deploy.health.attempts", 30)
	v.SetDefault("deploy.health.timeout", "3s")

	v.SetDefault("traefik.enabled", false)
	v.SetDefault("traefik.domain", "")
	v.SetDefault("traefik.network", "")
	v.SetDefault("traefik.entryPoint", "websecure")
	v.SetDefault("traefik.certResolver", "")

	v.SetDefault("proxy.domain", "")
	v.SetDefault("proxy.targetHost", "127.0.0.1")

	v.SetDefault("queue.retry.maxRetries", jobqueue.DefaultMaxRetries)
	v.SetDefault("queue.retry.baseDelay", jobqueue.DefaultBaseDelay.String())
	v.SetDefault("queue.retry.maxDelay", jobqueue.DefaultMaxDelay.String())
	v.SetDefault("queue.retry.historyRetention", jobqueue.DefaultHistoryRetention.String())
	v.SetDefault("queue.pool.workers", 4)
	v.SetDefault("queue.pool.pruneInterval", "5m")

	v.SetDefault("logs.root", "/var/lib/lighthouse/logs")
	v.SetDefault("logs.maxOpenFiles", 256)
	v.SetDefault("logs.minSegments", tag.DefaultMinSegments)
	v.SetDefault("logs.maxSegments", tag.DefaultMaxSegments)
	v.SetDefault("logs.reassembly.startPattern", reassembly.DefaultStartPattern)
	v.SetDefault("logs.reassembly.separator", reassembly.DefaultSeparator)
	v.SetDefault("logs.reassembly.flushInterval", reassembly.DefaultFlushInterval.String())
	v.SetDefault("logs.router.maxAttempts", 3)
	v.SetDefault("logs.router.retryDelay", "100ms")
	v.SetDefault("logs.router.maxRetryDelay", "2s")
	v.SetDefault("logs.router.flushInterval", "1s")
	v.SetDefault("logs.router.separator", "\n")
}

// Load reads path, or config.yaml from the working directory or
// /etc/lighthouse when path is empty. A missing default file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/lighthouse")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, CustomHooks...); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Logs.Rules) == 0 {
		cfg.Logs.Rules = router.DefaultRules()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CustomHooks decode durations, comma separated lists and log levels.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		LevelDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

func LevelDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(log.InfoLevel) {
			return data, nil
		}
		return log.ParseLevel(data.(string))
	}
}

// Validate checks struct tags and the cross-field constraints tags cannot express.
func (c Config) Validate() error {
	var result *multierror.Error
	if err := validator.New().Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if !errors.As(err, &invalid) {
			return err
		}
		for _, fe := range invalid {
			result = multierror.Append(result, fmt.Errorf("field %s has invalid value %v: %s", stripPrefix(fe.Namespace()), fe.Value(), fe.Tag()))
		}
	}
	if c.Ports.Max < c.Ports.Min {
		result = multierror.Append(result, fmt.Errorf("ports.max %d is below ports.min %d", c.Ports.Max, c.Ports.Min))
	}
	if c.Store.Workspaces == BackendRedis || c.Store.Jobs == BackendRedis {
		if len(c.Store.Redis.Addrs) == 0 {
			result = multierror.Append(result, errors.New("store.redis.addrs is required for the redis backend"))
		}
	}
	if c.Store.Workspaces == BackendMongo && (c.Store.Mongo.URI == "" || c.Store.Mongo.Database == "") {
		result = multierror.Append(result, errors.New("store.mongo.uri and store.mongo.database are required for the mongo backend"))
	}
	if c.Traefik.Enabled && c.Traefik.Domain == "" {
		result = multierror.Append(result, errors.New("traefik.domain is required when traefik is enabled"))
	}
	if c.Logs.MinSegments < tag.DefaultMinSegments || c.Logs.MaxSegments < c.Logs.MinSegments {
		result = multierror.Append(result, fmt.Errorf("logs segment bounds %d..%d are invalid", c.Logs.MinSegments, c.Logs.MaxSegments))
	}
	if result != nil {
		return fmt.Errorf("invalid config: %w", result.ErrorOrNil())
	}
	return nil
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}

// Render returns the effective configuration as YAML.
func Render(c Config) ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return out, nil
}
