package utils

import "os"

// GetEnv reads an environment variable, falling back when it is unset
// or empty.
func GetEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
