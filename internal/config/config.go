// Package config loads application configuration from file and environment.
package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nesanders/MAenvironmentaldata/internal/geodata"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Geo         GeoConfig         `yaml:"geo" mapstructure:"geo"`
	Attribution AttributionConfig `yaml:"attribution" mapstructure:"attribution"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap" mapstructure:"bootstrap"`
	Output      OutputConfig      `yaml:"output" mapstructure:"output"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. Driver is "sqlite" or
// "postgres"; DatabaseURL is a file path for sqlite and a connection
// string for postgres.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// GeoConfig locates the boundary files and names the working projection.
// Boundary paths accept GeoJSON or shapefiles. EventsCSV, when set,
// overrides the store as the discharge event source.
type GeoConfig struct {
	BlockGroupPath   string `yaml:"block_group_path" mapstructure:"block_group_path"`
	MunicipalityPath string `yaml:"municipality_path" mapstructure:"municipality_path"`
	WatershedPath    string `yaml:"watershed_path" mapstructure:"watershed_path"`
	EventsCSV        string `yaml:"events_csv" mapstructure:"events_csv"`
	Projection       string `yaml:"projection" mapstructure:"projection"`
	Workers          int    `yaml:"workers" mapstructure:"workers"`
}

// AttributionConfig selects the attribution mode and buffered-mode radius.
type AttributionConfig struct {
	Mode        string  `yaml:"mode" mapstructure:"mode"`
	RadiusMiles float64 `yaml:"radius_miles" mapstructure:"radius_miles"`
}

// RadiusMeters converts the configured buffer radius to projection units.
func (a AttributionConfig) RadiusMeters() float64 {
	return a.RadiusMiles * geodata.MetersPerMile
}

// BootstrapConfig tunes the uncertainty estimator.
type BootstrapConfig struct {
	Resamples int   `yaml:"resamples" mapstructure:"resamples"`
	Seed      int64 `yaml:"seed" mapstructure:"seed"`
}

// OutputConfig names the facts file written at the end of a run.
type OutputConfig struct {
	FactsPath string `yaml:"facts_path" mapstructure:"facts_path"`
}

// CacheConfig configures the spatial memo cache. An empty Dir disables it.
type CacheConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AMEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "AMEND.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("geo.projection", geodata.MassMainlandCRS)
	v.SetDefault("attribution.mode", "exact")
	v.SetDefault("attribution.radius_miles", 1.0)
	v.SetDefault("bootstrap.resamples", 1000)
	v.SetDefault("bootstrap.seed", 14)
	v.SetDefault("output.facts_path", "facts_NECIR_CSO.yml")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks cross-field consistency before a run starts.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	switch c.Attribution.Mode {
	case "exact", "buffered":
	default:
		problems = append(problems, fmt.Sprintf("attribution.mode must be exact or buffered, got %q", c.Attribution.Mode))
	}
	if c.Attribution.Mode == "buffered" && c.Attribution.RadiusMiles <= 0 {
		problems = append(problems, "attribution.radius_miles must be > 0 in buffered mode")
	}
	if c.Bootstrap.Resamples <= 0 {
		problems = append(problems, "bootstrap.resamples must be > 0")
	}
	if c.Geo.Projection == "" {
		problems = append(problems, "geo.projection is required")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
