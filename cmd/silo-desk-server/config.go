package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/EternisAI/silo-desk/internal/api/http"
	"github.com/EternisAI/silo-desk/internal/auth"
	"github.com/EternisAI/silo-desk/internal/broker"
	"github.com/EternisAI/silo-desk/internal/db"
	grpctls "github.com/EternisAI/silo-desk/internal/grpc/tls"
	"github.com/EternisAI/silo-desk/internal/hub"
)

type Config struct {
	Log     LogConfig
	Http    http.Config
	Grpc    GrpcConfig
	JWT     auth.Config   `mapstructure:"jwt"`
	DB      db.Config     `mapstructure:"db"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Hub     hub.Config    `mapstructure:"hub"`
	Broker  broker.Config `mapstructure:"broker"`
	History HistoryConfig `mapstructure:"history"`
}

type GrpcConfig struct {
	Port          int                  `mapstructure:"port"`
	TLS           grpctls.ServerConfig `mapstructure:"tls"`
	CertBootstrap CertBootstrapConfig  `mapstructure:"cert_bootstrap"`
}

// CertBootstrapConfig generates the files named in grpc.tls when they are
// missing. Lists are comma separated.
type CertBootstrapConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	CAKeyFile   string `mapstructure:"ca_key_file"`
	DomainNames string `mapstructure:"domain_names"`
	IPAddresses string `mapstructure:"ip_addresses"`
}

// AdminConfig seeds the first admin account when the database is enabled.
type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password" json:"-"`
}

type HistoryConfig struct {
	Buffer int `mapstructure:"buffer"`
}

var config Config

func ParseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-desk-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("db.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.JWT.Secret = "***"
		redacted.Http.AdminAPIKey = "***"
		redacted.DB.Url = "***"
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
