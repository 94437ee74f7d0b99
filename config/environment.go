package config

import (
	"os"
	"strings"
)

const appEnvVar = "APP_ENV"

const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
	EnvironmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"dev":         EnvironmentDevelopment,
	"prod":        EnvironmentProduction,
	"producation": EnvironmentProduction,
	"stag":        EnvironmentStaging,
	"stagging":    EnvironmentStaging,
}

// AppEnvironment returns the normalised APP_ENV value, development when unset.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return EnvironmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveEnvSpecificPath swaps the default path for the environment's own file.
// An explicitly chosen path is kept as is.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}
	if envPath, ok := envPaths[AppEnvironment()]; ok {
		if path == defaultPath || path == envPath {
			return envPath
		}
	}
	return path
}

// IsProductionLike reports whether env is production or staging.
func IsProductionLike(env string) bool {
	switch env {
	case EnvironmentProduction, EnvironmentStaging:
		return true
	default:
		return false
	}
}
