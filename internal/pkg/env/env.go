package env

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var Env map[string]string

// GetEnv reads key from the loaded .env file, then from the process
// environment, and returns def when neither carries a value.
func GetEnv(key, def string) string {
	if val, ok := Env[key]; ok && val != "" {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetBool treats 1, true, yes and on as true. Anything unparsable returns def.
func GetBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(GetEnv(key, ""))) {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func GetInt(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(GetEnv(key, "")))
	if err != nil {
		return def
	}
	return n
}

func GetDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(GetEnv(key, "")))
	if err != nil {
		return def
	}
	return d
}

// SetupEnvFile loads the first .env found. Containers usually inject
// variables directly, so a missing file only logs.
func SetupEnvFile() {
	envFiles := []string{
		".env",
		"../../.env",    // from cmd/subledger
		"../../../.env", // deeper nesting in tests
	}

	for _, envFile := range envFiles {
		values, err := godotenv.Read(envFile)
		if err == nil {
			Env = values
			return
		}
	}

	Env = map[string]string{}
	log.Println("No .env file found, using process environment only")
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
