// Package config resolves service configuration from an optional JSON file
// plus EAFRAME_* environment variables. Environment values always win.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const defaultBuildID = "npc-ea-household-upload-dev"

// Config is the fully resolved service configuration.
type Config struct {
	Addr          string `json:"addr"`
	DBDriver      string `json:"dbDriver"`
	DBDSN         string `json:"dbDsn"`
	AdminSecret   string `json:"adminSecret"`
	BuildID       string `json:"buildId"`
	LogLevel      string `json:"logLevel"`
	LogFormat     string `json:"logFormat"`
	SpoolDir      string `json:"spoolDir"`
	MaxBodyBytes  int64  `json:"maxBodyBytes"`
	AuditDisabled bool   `json:"auditDisabled"`
}

const configSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"addr": {"type": "string"},
		"dbDriver": {"type": "string", "enum": ["postgres", "sqlite"]},
		"dbDsn": {"type": "string"},
		"adminSecret": {"type": "string"},
		"buildId": {"type": "string"},
		"logLevel": {"type": "string", "enum": ["trace", "debug", "info", "warn", "error"]},
		"logFormat": {"type": "string", "enum": ["json", "console"]},
		"spoolDir": {"type": "string"},
		"maxBodyBytes": {"type": "integer", "minimum": 1},
		"auditDisabled": {"type": "boolean"}
	}
}`

// Load resolves configuration. When EAFRAME_CONFIG_FILE names a JSON file,
// it is schema-validated and used as the base; environment variables then
// override individual fields.
func Load() (Config, error) {
	cfg := Config{
		Addr:         ":8080",
		DBDriver:     "postgres",
		BuildID:      defaultBuildID,
		LogLevel:     "info",
		LogFormat:    "json",
		MaxBodyBytes: 8 << 20,
	}

	if path := strings.TrimSpace(os.Getenv("EAFRAME_CONFIG_FILE")); path != "" {
		fileCfg, err := loadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = mergeFile(cfg, fileCfg)
	}

	applyEnv(&cfg)

	if strings.TrimSpace(cfg.DBDSN) == "" {
		return Config{}, fmt.Errorf("database DSN is required (EAFRAME_DB_DSN or config file dbDsn)")
	}
	return cfg, nil
}

func loadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	var cfg Config
	if err := strictUnmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func validateSchema(raw []byte) error {
	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return fmt.Errorf("parse embedded schema: %w", err)
	}
	if err := compiler.AddResource("eaframe-config.schema.json", schemaDoc); err != nil {
		return fmt.Errorf("register embedded schema: %w", err)
	}
	schema, err := compiler.Compile("eaframe-config.schema.json")
	if err != nil {
		return fmt.Errorf("compile embedded schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse config JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

func mergeFile(base, file Config) Config {
	merged := base
	if file.Addr != "" {
		merged.Addr = file.Addr
	}
	if file.DBDriver != "" {
		merged.DBDriver = file.DBDriver
	}
	if file.DBDSN != "" {
		merged.DBDSN = file.DBDSN
	}
	if file.AdminSecret != "" {
		merged.AdminSecret = file.AdminSecret
	}
	if file.BuildID != "" {
		merged.BuildID = file.BuildID
	}
	if file.LogLevel != "" {
		merged.LogLevel = file.LogLevel
	}
	if file.LogFormat != "" {
		merged.LogFormat = file.LogFormat
	}
	if file.SpoolDir != "" {
		merged.SpoolDir = file.SpoolDir
	}
	if file.MaxBodyBytes > 0 {
		merged.MaxBodyBytes = file.MaxBodyBytes
	}
	if file.AuditDisabled {
		merged.AuditDisabled = true
	}
	return merged
}

func applyEnv(cfg *Config) {
	stringEnv("EAFRAME_ADDR", &cfg.Addr)
	stringEnv("EAFRAME_DB_DRIVER", &cfg.DBDriver)
	stringEnv("EAFRAME_DB_DSN", &cfg.DBDSN)
	stringEnv("EAFRAME_ADMIN_SECRET", &cfg.AdminSecret)
	stringEnv("EAFRAME_BUILD_ID", &cfg.BuildID)
	stringEnv("EAFRAME_LOG_LEVEL", &cfg.LogLevel)
	stringEnv("EAFRAME_LOG_FORMAT", &cfg.LogFormat)
	stringEnv("EAFRAME_SPOOL_DIR", &cfg.SpoolDir)
	if raw := strings.TrimSpace(os.Getenv("EAFRAME_MAX_BODY_BYTES")); raw != "" {
		if value, err := strconv.ParseInt(raw, 10, 64); err == nil && value > 0 {
			cfg.MaxBodyBytes = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("EAFRAME_AUDIT_DISABLED")); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			cfg.AuditDisabled = value
		}
	}
}

func stringEnv(name string, dest *string) {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		*dest = value
	}
}

func strictUnmarshal(raw []byte, cfg *Config) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	return decoder.Decode(cfg)
}
