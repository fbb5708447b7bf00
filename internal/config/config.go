// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/YaganovValera/kafka-gateway/internal/gateway"
	"github.com/YaganovValera/kafka-gateway/pkg/httpserver"
	"github.com/YaganovValera/kafka-gateway/pkg/logger"
	"github.com/YaganovValera/kafka-gateway/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. KAFKA_GATEWAY_KAFKA_HOSTS.
const EnvPrefix = "KAFKA_GATEWAY"

/*
   --------------------------------------------------------------------------
   STRUCTURES
   --------------------------------------------------------------------------
*/

// Config holds every setting of the kafka-gateway tool.
type Config struct {
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	Role           string            `mapstructure:"role"`
	Kafka          map[string]any    `mapstructure:"kafka"`
	Publish        PublishConfig     `mapstructure:"publish"`
	Telemetry      telemetry.Config  `mapstructure:"telemetry"`
	Logging        logger.Config     `mapstructure:"logging"`
	HTTP           httpserver.Config `mapstructure:"http"`
}

// PublishConfig names the relation written to and its optional key.
type PublishConfig struct {
	Topic string `mapstructure:"topic"`
	Key   string `mapstructure:"key"`
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// nullable gateway options have no default; they are only bound to the
// environment so an unset value stays nil.
var nullableOptions = []string{"client", "compression_codec", "partitioner"}

// Load reads defaults, then the environment, then the optional YAML file at
// path, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	v.SetDefault("service_name", "kafka-gateway")
	v.SetDefault("service_version", "v1.0.0")
	v.SetDefault("role", string(gateway.RoleProducer))

	for name, val := range gateway.DefaultOptions().Attributes() {
		if val == nil {
			continue
		}
		v.SetDefault("kafka."+name, val)
	}

	v.SetDefault("publish.topic", "")
	v.SetDefault("publish.key", "")

	v.SetDefault("telemetry.otel_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sampler_ratio", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	// empty addr keeps the metrics server off
	v.SetDefault("http.addr", "")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	// ---------- 2) ENV ----------
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, name := range nullableOptions {
		if err := v.BindEnv("kafka." + name); err != nil {
			return nil, fmt.Errorf("bind env kafka.%s: %w", name, err)
		}
	}

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "mapstructure",
		Result:  &cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToBoolHook,
		),
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion

	// ---------- 5) Validation ----------
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook parses true/false strings, other data passes through.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

/*
   --------------------------------------------------------------------------
   ACCESSORS & VALIDATION
   --------------------------------------------------------------------------
*/

// GatewayRole parses Role.
func (c *Config) GatewayRole() (gateway.Role, error) {
	return gateway.ParseRole(c.Role)
}

// GatewayOptions decodes the kafka section. Unknown keys are dropped.
func (c *Config) GatewayOptions() (gateway.Options, error) {
	return gateway.DecodeOptions(c.Kafka)
}

func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}
	if _, err := c.GatewayRole(); err != nil {
		return err
	}
	if _, err := c.GatewayOptions(); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}
	for k, p := range map[string]string{
		"http.metrics_path": c.HTTP.MetricsPath,
		"http.healthz_path": c.HTTP.HealthzPath,
		"http.readyz_path":  c.HTTP.ReadyzPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	if c.Telemetry.SamplerRatio < 0 || c.Telemetry.SamplerRatio > 1 {
		return fmt.Errorf("telemetry.sampler_ratio must be between 0.0 and 1.0")
	}
	return nil
}

// Print writes the configuration as indented JSON to stdout.
func (c *Config) Print() {
	b, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}
