package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                   string
	AppEnv                 string
	LogLevel               string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	StoreID                string
	ProductCacheTTLSeconds int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	ManagerPIN             string
	LoginRatePerMinute     int
	PINRatePerMinute       int
}

// Load reads configuration from the environment. Secrets have no defaults;
// the server refuses to start without them.
func Load() Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DEFAULT_STORE_ID", "main-store")
	v.SetDefault("PRODUCT_CACHE_TTL_SECONDS", 30)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("LOGIN_RATE_PER_MINUTE", 10)
	v.SetDefault("PIN_RATE_PER_MINUTE", 8)

	cfg := Config{
		Port:                   v.GetString("PORT"),
		AppEnv:                 strings.ToLower(v.GetString("APP_ENV")),
		LogLevel:               strings.ToLower(v.GetString("LOG_LEVEL")),
		AllowedOrigin:          v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:            v.GetString("DATABASE_URL"),
		RedisAddr:              v.GetString("REDIS_ADDR"),
		RedisPassword:          v.GetString("REDIS_PASSWORD"),
		RedisDB:                v.GetInt("REDIS_DB"),
		StoreID:                v.GetString("DEFAULT_STORE_ID"),
		ProductCacheTTLSeconds: atLeast(v.GetInt("PRODUCT_CACHE_TTL_SECONDS"), 1, 30),
		AuthSecret:             strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes:  atLeast(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 1, 480),
		ManagerPIN:             strings.TrimSpace(v.GetString("MANAGER_PIN")),
		LoginRatePerMinute:     atLeast(v.GetInt("LOGIN_RATE_PER_MINUTE"), 1, 10),
		PINRatePerMinute:       atLeast(v.GetInt("PIN_RATE_PER_MINUTE"), 1, 8),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Production() bool {
	return c.AppEnv == "production"
}

func atLeast(val int, floor int, fallback int) int {
	if val < floor {
		return fallback
	}
	return val
}
