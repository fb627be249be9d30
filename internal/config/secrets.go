package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"hodl_index/internal/models"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Secrets are read from the environment only, never from the YAML file.
type Secrets struct {
	AlpacaKeyID     string
	AlpacaSecretKey string
	TelegramToken   string
	TelegramChatID  int64
	CoinGeckoAPIKey string
	RedisPassword   string
}

var secretVars = map[string]bool{
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
	"TELEGRAM_BOT_TOKEN":  true,
	"TELEGRAM_CHAT_ID":    true,
	"COINGECKO_API_KEY":   true,
	"REDIS_PASSWORD":      true,
}

// LoadSecrets reads credentials from the process environment.
func LoadSecrets() Secrets {
	s := Secrets{
		AlpacaKeyID:     strings.TrimSpace(os.Getenv("APCA_API_KEY_ID")),
		AlpacaSecretKey: strings.TrimSpace(os.Getenv("APCA_API_SECRET_KEY")),
		TelegramToken:   strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		CoinGeckoAPIKey: strings.TrimSpace(os.Getenv("COINGECKO_API_KEY")),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Warn().Msg("TELEGRAM_CHAT_ID is not numeric, chat interface disabled")
		} else {
			s.TelegramChatID = id
		}
	}
	return s
}

// TelegramEnabled reports whether the chat interface can be started.
func (s Secrets) TelegramEnabled() bool {
	return s.TelegramToken != "" && s.TelegramChatID != 0
}

// Validate checks that the secrets needed by cfg are present.
func (s Secrets) Validate(cfg *Config) error {
	var missing []string
	if cfg.Exchange.Name == "alpaca" {
		if s.AlpacaKeyID == "" {
			missing = append(missing, "APCA_API_KEY_ID")
		}
		if s.AlpacaSecretKey == "" {
			missing = append(missing, "APCA_API_SECRET_KEY")
		}
	}
	if !s.TelegramEnabled() {
		for _, p := range cfg.SavingsPlans {
			if !p.AutomaticExecution {
				missing = append(missing, "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID")
				break
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required environment variables: %v", models.ErrConfig, missing)
	}
	return nil
}

// Mask hides all but the last four characters of a secret.
func Mask(val string) string {
	masked := "***"
	if len(val) > 4 {
		masked = "***" + val[len(val)-4:]
	}
	return masked
}

// LogEnvFile prints the variables defined in .env, masking secrets.
func LogEnvFile() {
	envMap, err := godotenv.Read()
	if err != nil {
		return
	}
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		val := envMap[key]
		if secretVars[key] {
			val = Mask(val)
		}
		log.Info().Str("key", key).Str("value", val).Msg(".env variable")
	}
}
