package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/EternisAI/silo-desk/internal/grpc/client"
	grpctls "github.com/EternisAI/silo-desk/internal/grpc/tls"
)

type Config struct {
	Log   LogConfig
	Http  HttpConfig
	Grpc  GrpcConfig
	Agent AgentConfig
}

type HttpConfig struct {
	Port uint `mapstructure:"port"`
}

type GrpcConfig struct {
	ServerAddress     string                 `mapstructure:"server_address"`
	Token             string                 `mapstructure:"token" json:"-"`
	AgentID           string                 `mapstructure:"agent_id"`
	HeartbeatInterval time.Duration          `mapstructure:"heartbeat_interval"`
	Reconnect         client.ReconnectPolicy `mapstructure:"reconnect"`
	TLS               grpctls.ClientConfig   `mapstructure:"tls"`
}

type AgentConfig struct {
	Username       string   `mapstructure:"username"`
	MachineName    string   `mapstructure:"machine_name"`
	ScreenWidth    int      `mapstructure:"screen_width"`
	ScreenHeight   int      `mapstructure:"screen_height"`
	Monitors       int      `mapstructure:"monitors"`
	MaxFPS         int      `mapstructure:"max_fps"`
	AllowedViewers []string `mapstructure:"allowed_viewers"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-desk-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("grpc.token", "AGENT_TOKEN")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
