package envutil

import (
	"os"
	"strings"
)

const prefix = "TIERMATE_"

// Get returns the trimmed value of TIERMATE_<name>
func Get(name string) string {
	return strings.TrimSpace(os.Getenv(prefix + name))
}

// IsDev reports whether TIERMATE_ENV selects development mode, where
// plain-HTTP identity providers are tolerated.
func IsDev() bool {
	switch strings.ToLower(Get("ENV")) {
	case "development", "dev":
		return true
	}
	return false
}

// ConfigPath is the config file used when --config is not given
func ConfigPath() string {
	return Get("CONFIG")
}
