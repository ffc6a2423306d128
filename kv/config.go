package kv

import (
	"os"
	"strconv"
	"time"
)

// Configuration loaders for storage backends. Each loader reads environment
// variables and falls back to defaults suitable for local development.

// RedisConfigFromEnv loads Redis configuration from environment variables
func RedisConfigFromEnv() *RedisConfig {
	return &RedisConfig{
		Addr:     getEnv("CONVERSE_REDIS_ADDR", "localhost:6379"),
		Password: getEnv("CONVERSE_REDIS_PASSWORD", ""),
		DB:       getEnvInt("CONVERSE_REDIS_DB", 0),
		TTL:      getEnvDuration("CONVERSE_REDIS_TTL", 0),
	}
}

// MongoConfigFromEnv loads MongoDB configuration from environment variables
func MongoConfigFromEnv() *MongoConfig {
	return &MongoConfig{
		URI:        getEnv("CONVERSE_MONGODB_URI", "mongodb://localhost:27017"),
		Database:   getEnv("CONVERSE_MONGODB_DB", "converse"),
		Collection: getEnv("CONVERSE_MONGODB_COLLECTION", "kv"),
	}
}

// PostgresConfigFromEnv loads PostgreSQL configuration from environment variables
func PostgresConfigFromEnv() *PostgresConfig {
	return &PostgresConfig{
		Host:     getEnv("CONVERSE_POSTGRES_HOST", "localhost"),
		Port:     getEnvInt("CONVERSE_POSTGRES_PORT", 5432),
		User:     getEnv("CONVERSE_POSTGRES_USER", "postgres"),
		Password: getEnv("CONVERSE_POSTGRES_PASSWORD", ""),
		DBName:   getEnv("CONVERSE_POSTGRES_DB", "converse"),
		SSLMode:  getEnv("CONVERSE_POSTGRES_SSLMODE", "disable"),
	}
}

// Helper functions for environment variable reading

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
