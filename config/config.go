package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/richinsley/comfypredict/engine"
	"github.com/richinsley/comfypredict/optimise"
	"github.com/richinsley/comfypredict/predictor"
	"github.com/richinsley/comfypredict/storage"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override:
// COMFYPREDICT_ENGINE_PORT sets engine.port
const EnvPrefix = "COMFYPREDICT"

type EngineConfig struct {
	// URL attaches to a running ComfyUI instead of Host and Port
	URL            string        `mapstructure:"url" yaml:"url"`
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	Managed        bool          `mapstructure:"managed" yaml:"managed"`
	Python         string        `mapstructure:"python" yaml:"python"`
	Main           string        `mapstructure:"main" yaml:"main"`
	ExtraArgs      []string      `mapstructure:"extra_args" yaml:"extra_args"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	StopGrace      time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
}

type DirsConfig struct {
	Output string `mapstructure:"output" yaml:"output"`
	Input  string `mapstructure:"input" yaml:"input"`
	Temp   string `mapstructure:"temp" yaml:"temp"`
}

type OutputConfig struct {
	Format  string `mapstructure:"format" yaml:"format"`
	Quality int    `mapstructure:"quality" yaml:"quality"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// Mode is the gin mode: debug, release or test
	Mode string `mapstructure:"mode" yaml:"mode"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Config holds the configuration for the application.
type Config struct {
	Workflow string         `mapstructure:"workflow" yaml:"workflow"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Dirs     DirsConfig     `mapstructure:"dirs" yaml:"dirs"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Storage  storage.Config `mapstructure:"storage" yaml:"storage"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// SetDefaults registers every key, which also makes each of them
// overridable from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workflow", "workflow_api.json")

	v.SetDefault("engine.url", "")
	v.SetDefault("engine.host", "127.0.0.1")
	v.SetDefault("engine.port", 8188)
	v.SetDefault("engine.managed", true)
	v.SetDefault("engine.python", "python")
	v.SetDefault("engine.main", "ComfyUI/main.py")
	v.SetDefault("engine.extra_args", []string{})
	v.SetDefault("engine.startup_timeout", 5*time.Minute)
	v.SetDefault("engine.stop_grace", 10*time.Second)

	v.SetDefault("dirs.output", "/tmp/outputs")
	v.SetDefault("dirs.input", "/tmp/inputs")
	v.SetDefault("dirs.temp", "ComfyUI/temp")

	v.SetDefault("output.format", string(optimise.DefaultFormat))
	v.SetDefault("output.quality", optimise.DefaultQuality)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.mode", "release")

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.prefix", "outputs")
	v.SetDefault("storage.public", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration from file (or config.yaml in . and ./config
// when file is empty), the environment and whatever flags were bound to v.
// A missing config.yaml is not an error, a missing explicit file is.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	// a URL always points at a server someone else runs
	if config.Engine.URL != "" {
		config.Engine.Managed = false
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if _, err := optimise.ParseFormat(c.Output.Format); err != nil {
		return err
	}
	if err := optimise.ValidateQuality(c.Output.Quality); err != nil {
		return err
	}
	if c.Workflow == "" {
		return errors.New("workflow is not set")
	}
	return nil
}

// EngineURL is the address the client talks to
func (c *Config) EngineURL() string {
	if c.Engine.URL != "" {
		return strings.TrimSuffix(c.Engine.URL, "/")
	}
	host := c.Engine.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Engine.Port))
}

// ServerAddr is the listen address of the HTTP surface
func (c *Config) ServerAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func (c *Config) Predictor() predictor.Config {
	return predictor.Config{
		WorkflowPath: c.Workflow,
		OutputDir:    c.Dirs.Output,
		InputDir:     c.Dirs.Input,
		TempDir:      c.Dirs.Temp,
		Managed:      c.Engine.Managed,
		ServerURL:    c.EngineURL(),
		Engine: engine.Options{
			Python:         c.Engine.Python,
			Main:           c.Engine.Main,
			Host:           c.Engine.Host,
			Port:           c.Engine.Port,
			OutputDir:      c.Dirs.Output,
			InputDir:       c.Dirs.Input,
			ExtraArgs:      c.Engine.ExtraArgs,
			StartupTimeout: c.Engine.StartupTimeout,
			StopGrace:      c.Engine.StopGrace,
		},
	}
}
