package tidysync

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// GetEnvOrDefault returns the value of key, or defaultValue when it is
// unset or empty.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v, err := time.ParseDuration(GetEnvOrDefault(key, defaultValue.String()))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envInt(key string, defaultValue int) (int, error) {
	v, err := strconv.Atoi(GetEnvOrDefault(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
