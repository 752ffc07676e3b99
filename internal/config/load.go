package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/tiermate/tiermate-auth/internal/log"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// LoadDotEnv loads a .env file from the working directory when one exists.
// Variables already present in the environment are not overridden.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	log.LogDebugWithFields("config", "Loaded environment file", map[string]any{"path": path})
	return nil
}

// Load builds the configuration: defaults, then the JSON file at path (if
// any), then TIERMATE_* environment overrides, then validation.
func Load(path string) (Config, error) {
	if err := LoadDotEnv(""); err != nil {
		return Config{}, err
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}

		var rawConfig map[string]any
		if err := json.Unmarshal(data, &rawConfig); err != nil {
			return Config{}, fmt.Errorf("parsing config JSON: %w", err)
		}

		version, ok := rawConfig["version"].(string)
		if !ok {
			return Config{}, fmt.Errorf("config version is required")
		}
		if version != CurrentVersion {
			return Config{}, fmt.Errorf("unsupported config version: %s", version)
		}

		// Secret fields resolve their $env references during decoding
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationErrors(err)
	}

	positive := map[string]Duration{
		"httpTimeout":                cfg.HTTPTimeout,
		"qrLogin.pollInterval":       cfg.QRLogin.PollInterval,
		"qrLogin.markerPollInterval": cfg.QRLogin.MarkerPollInterval,
		"qrLogin.defaultExpiresIn":   cfg.QRLogin.DefaultExpiresIn,
		"session.refreshInterval":    cfg.Session.RefreshInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.Session.RefreshThreshold < 0 {
		return fmt.Errorf("session.refreshThreshold cannot be negative")
	}

	if cfg.Storage.Kind == StorageFile && len(cfg.Storage.EncryptionKey) < 16 {
		return fmt.Errorf("storage.encryptionKey must be at least 16 characters for file storage (got %d). Generate with: openssl rand -base64 32", len(cfg.Storage.EncryptionKey))
	}

	if cfg.QRLogin.MarkerKey != "" && len(cfg.QRLogin.MarkerKey) < 32 {
		return fmt.Errorf("qrLogin.markerKey must be at least 32 characters (got %d)", len(cfg.QRLogin.MarkerKey))
	}

	if cfg.QRLogin.PollInterval > cfg.QRLogin.DefaultExpiresIn {
		log.LogWarn("QR login poll interval is longer than the login window")
	}

	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
