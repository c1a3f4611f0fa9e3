package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultLabels is the label vocabulary of the eye-disease model the service
// was first built around. It is used only when neither the model nor the
// configuration names any labels.
var DefaultLabels = []string{"cataract", "glaucoma", "normal", "retina_disease"}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Model     ModelConfig     `mapstructure:"model"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Inference InferenceConfig `mapstructure:"inference"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type ModelConfig struct {
	URL          string   `mapstructure:"url" validate:"required,url"`
	Path         string   `mapstructure:"path" validate:"required"`
	SHA256       string   `mapstructure:"sha256" validate:"omitempty,len=64,hexadecimal"`
	MetadataURL  string   `mapstructure:"metadata_url" validate:"omitempty,url"`
	MetadataPath string   `mapstructure:"metadata_path" validate:"required_with=MetadataURL"`
	Labels       []string `mapstructure:"labels" validate:"dive,required"`
	ImageSize    int      `mapstructure:"image_size" validate:"gte=0"`
	Output       string   `mapstructure:"output" validate:"omitempty,oneof=logits probabilities"`
	Threads      int      `mapstructure:"threads" validate:"gte=0"`
	ORTLibrary   string   `mapstructure:"ort_library"`
}

type FetchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries    uint64        `mapstructure:"max_retries"`
	MaxImageBytes int64         `mapstructure:"max_image_bytes" validate:"gt=0"`
	Progress      bool          `mapstructure:"progress"`
}

type InferenceConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("model.url", "")
	v.SetDefault("model.path", "models/export.onnx")
	v.SetDefault("model.sha256", "")
	v.SetDefault("model.metadata_url", "")
	v.SetDefault("model.metadata_path", "")
	v.SetDefault("model.image_size", 0)
	v.SetDefault("model.threads", 0)
	v.SetDefault("model.ort_library", "")
	v.SetDefault("model.labels", []string{})
	// Empty means the model's own declaration applies.
	v.SetDefault("model.output", "")

	v.SetDefault("fetch.timeout", "5m")
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.max_image_bytes", 10<<20)
	v.SetDefault("fetch.progress", true)

	v.SetDefault("inference.timeout", "10s")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Load reads defaults, an optional config file, CLASSIFIER_* environment
// variables and any bound command-line flags, in increasing precedence.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("classifier")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Model.Labels = splitLabels(cfg.Model.Labels)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"host":      "server.host",
	"port":      "server.port",
	"model-url": "model.url",
	"model":     "model.path",
	"log-level": "logger.level",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

var validate = validator.New()

func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// splitLabels flattens comma-separated entries, which is how labels arrive
// from the environment.
func splitLabels(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
