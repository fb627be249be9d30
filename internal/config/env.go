package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// applyEnvOverrides lets deployments tweak a few knobs without editing the
// YAML file.
func applyEnvOverrides(c *Config) {
	c.Log.Level = getEnv("HODL_LOG_LEVEL", c.Log.Level)
	c.Environment = getEnv("HODL_ENVIRONMENT", c.Environment)
	c.TestMode = getEnvAsBool("HODL_TEST_MODE", c.TestMode)
	c.Dashboard.Port = int(getEnvAsFloat64("HODL_DASHBOARD_PORT", float64(c.Dashboard.Port)))
	c.Portfolio.MinOrderValue = getEnvAsFloat64("HODL_MIN_ORDER_VALUE", c.Portfolio.MinOrderValue)
	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

// Helper to get float64 env with default
func getEnvAsFloat64(key string, fallback float64) float64 {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", valueStr).Float64("default", fallback).Msg("invalid float in environment, using default")
		return fallback
	}
	return val
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	val, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		log.Warn().Str("key", key).Str("value", valueStr).Bool("default", fallback).Msg("invalid bool in environment, using default")
		return fallback
	}
	return val
}
