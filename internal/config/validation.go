package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) errorf(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) warnf(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// secretPaths must be written as {"$env": "VAR"} references
var secretPaths = [][2]string{
	{"storage", "encryptionKey"},
	{"qrLogin", "markerKey"},
}

var knownTopLevel = map[string]bool{
	"version": true, "authBase": true, "apiBase": true, "clientId": true,
	"redirectUri": true, "scopes": true, "httpTimeout": true, "endpoints": true,
	"storage": true, "qrLogin": true, "agent": true, "session": true, "security": true,
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.errorf("", "invalid JSON: %v", err)
		return result, nil
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.errorf("version", "version field is required. Hint: Add \"version\": %q", CurrentVersion)
	} else if version != CurrentVersion {
		result.errorf("version", "unsupported version '%s' - use '%s'", version, CurrentVersion)
	}

	keys := make([]string, 0, len(rawConfig))
	for k := range rawConfig {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !knownTopLevel[k] {
			result.warnf(k, "unknown field is ignored")
		}
	}

	for _, key := range []string{"httpTimeout"} {
		validateDurationField(rawConfig, key, key, result)
	}
	if qr, ok := rawConfig["qrLogin"].(map[string]any); ok {
		for _, key := range []string{"pollInterval", "markerPollInterval", "defaultExpiresIn"} {
			validateDurationField(qr, key, "qrLogin."+key, result)
		}
	}
	if sess, ok := rawConfig["session"].(map[string]any); ok {
		for _, key := range []string{"refreshThreshold", "refreshInterval"} {
			validateDurationField(sess, key, "session."+key, result)
		}
	}

	validateStorageStructure(rawConfig, result)

	for _, sp := range secretPaths {
		section, ok := rawConfig[sp[0]].(map[string]any)
		if !ok {
			continue
		}
		value, exists := section[sp[1]]
		if !exists {
			continue
		}
		path := sp[0] + "." + sp[1]
		if verr := validateEnvVarReference(value, path); verr != nil {
			result.Warnings = append(result.Warnings, *verr)
		}
	}

	return result, nil
}

func validateDurationField(section map[string]any, key, path string, result *ValidationResult) {
	value, exists := section[key]
	if !exists {
		return
	}
	s, ok := value.(string)
	if !ok {
		result.errorf(path, "duration must be a string like \"2s\"")
		return
	}
	var d Duration
	if err := d.UnmarshalJSON([]byte(fmt.Sprintf("%q", s))); err != nil {
		result.errorf(path, "%v", err)
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		return
	}

	kind, _ := storage["kind"].(string)
	switch StorageKind(kind) {
	case "", StorageMemory:
		result.warnf("storage.kind", "memory storage loses the session when the process exits")
	case StorageFile:
		if _, ok := storage["encryptionKey"]; !ok {
			result.errorf("storage.encryptionKey", "encryptionKey is required for file storage")
		}
		if _, ok := storage["path"].(string); !ok {
			result.errorf("storage.path", "path is required for file storage")
		}
	case StorageSQLite:
		if _, ok := storage["path"].(string); !ok {
			result.errorf("storage.path", "path is required for sqlite storage")
		}
	default:
		result.errorf("storage.kind", "invalid storage kind '%s' (memory, file or sqlite)", kind)
	}
}

// validateEnvVarReference checks that a secret is an env reference and that
// the referenced variable is set
func validateEnvVarReference(value any, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		return &ValidationError{Path: path, Message: "secret is written in plain text; use {\"$env\": \"VAR_NAME\"}"}
	case map[string]any:
		name, ok := v["$env"].(string)
		if !ok {
			return &ValidationError{Path: path, Message: "must use {\"$env\": \"VAR_NAME\"} format"}
		}
		if os.Getenv(name) == "" {
			return &ValidationError{Path: path, Message: fmt.Sprintf("environment variable %s is not set", name)}
		}
		return nil
	default:
		return &ValidationError{Path: path, Message: "secret must be a string or {\"$env\": \"VAR_NAME\"}"}
	}
}

var bashStyle = regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

// checkBashStyleSyntax flags "$VAR" or "${VAR}" strings, which are not expanded
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		if bashStyle.MatchString(v) {
			result.errorf(path, "bash-style variable %q is not expanded. Hint: use {\"$env\": \"VAR_NAME\"}", v)
		}
	case map[string]any:
		for key, item := range v {
			child := key
			if path != "" {
				child = path + "." + key
			}
			checkBashStyleSyntax(item, child, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
