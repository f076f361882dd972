package logger

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// InitFromEnv configures the process logger from LOG_* variables.
func InitFromEnv() *slog.Logger {
	return Init(ConfigFromEnv())
}

func ConfigFromEnv() Config {
	return Config{
		Level:     getenvDefault("LOG_LEVEL", "info"),
		Format:    getenvDefault("LOG_FORMAT", "json"),
		AddSource: getenvBool("LOG_ADD_SOURCE", false),
		Service:   os.Getenv("LOG_SERVICE"),
		Env:       getenvDefault("LOG_ENV", getenvDefault("ENV", os.Getenv("APP_ENV"))),
		Output:    getenvDefault("LOG_OUTPUT", "stdout"),
	}
}

func getenvDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return b
}
