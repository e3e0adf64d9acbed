package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

type ServerConfig struct {
	HTTPAddress    string `mapstructure:"http_address"`
	RPCAddress     string `mapstructure:"rpc_address"`
	MonitorAddress string `mapstructure:"monitor_address"`
}

type DatabaseConfig struct {
	// Driver selects the persistence implementation: "gorm" or "sql".
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type EngineConfig struct {
	// SceneIdleTTL is how long an unsubscribed, inactive scene stays resident
	// before it is checkpointed and evicted.
	SceneIdleTTL time.Duration `mapstructure:"scene_idle_ttl"`
	// SessionOutboxSize bounds the per-session outbound queue. A client that
	// falls this far behind is disconnected rather than stalling the scene.
	SessionOutboxSize int `mapstructure:"session_outbox_size"`
	// CheckpointInterval is the number of applied mutations between scene
	// checkpoints written to the persistence store.
	CheckpointInterval int `mapstructure:"checkpoint_interval"`
}

func LoadConfig(path string) (config *Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("database.driver", "gorm")
	viper.SetDefault("engine.scene_idle_ttl", "5m")
	viper.SetDefault("engine.session_outbox_size", 256)
	viper.SetDefault("engine.checkpoint_interval", 64)
	viper.SetDefault("auth.token_ttl", "24h")

	viper.AutomaticEnv()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
