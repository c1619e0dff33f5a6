package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/rpattn/recordtrail/internal/db"
	"github.com/rpattn/recordtrail/internal/domain"
	"github.com/rpattn/recordtrail/internal/schema/validator"
)

func LoadDBConfig(configPath string) (db.Config, error) {
	// Start with default
	cfg := db.DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()     // allow environment overrides
	v.SetEnvPrefix("DB") // map env vars like DB_HOST, DB_PORT

	// Optional: Map nested keys to flat env vars
	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	// Override defaults if values exist
	if v.IsSet("database.host") {
		cfg.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.SSLMode = v.GetString("database.sslmode")
	}

	return cfg, nil
}

// LoadRegistry reads entity descriptors from the descriptors.yaml file in
// configPath and registers them. The file holds a top-level `descriptors`
// list; see Descriptor's mapstructure tags for the per-entry keys.
func LoadRegistry(configPath string) (*domain.Registry, error) {
	v := viper.New()
	v.SetConfigName("descriptors")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read descriptors config: %w", err)
	}

	var descriptors []domain.Descriptor
	if err := v.UnmarshalKey("descriptors", &descriptors); err != nil {
		return nil, fmt.Errorf("failed to parse descriptors config: %w", err)
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("descriptors config declares no entity types")
	}

	reg := domain.NewRegistry()
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return nil, fmt.Errorf("failed to register descriptor %q: %w", d.Name, err)
		}
	}
	if err := validator.ValidateRegistry(reg); err != nil {
		return nil, fmt.Errorf("invalid descriptors config: %w", err)
	}
	return reg, nil
}
