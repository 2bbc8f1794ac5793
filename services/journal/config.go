// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianJournal/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Backend names accepted in Config.
const (
	AIGemini = "gemini"
	AIOpenAI = "openai"
	AIRules  = "rules"

	ContentLocal  = "local"
	ContentPinata = "pinata"
	ContentGCS    = "gcs"

	LedgerLocal = "local"
	LedgerRPC   = "rpc"
	LedgerNone  = "none"

	MailLog     = "log"
	MailEmailJS = "emailjs"
)

// secretsDir holds container secrets, one file per secret.
var secretsDir = "/run/secrets"

// Config holds service configuration.
//
// # Description
//
// LoadConfig fills it from an optional YAML file and then the environment;
// New applies defaults for anything still unset. Backend names are
// validated by Validate.
//
// # Examples
//
//	// Offline development: rules-based AI, badger content store, codes on stdout.
//	cfg := Config{DataDir: "/tmp/journal"}
//
//	// Production
//	cfg := Config{
//	    AI:      AIConfig{Backend: "gemini"},
//	    Content: ContentConfig{Backend: "pinata"},
//	    Ledger:  LedgerConfig{Backend: "rpc", URL: "https://rpc.example.org"},
//	    Mail:    MailConfig{Backend: "emailjs"},
//	}
type Config struct {
	// Port is the HTTP port. Default: 12230
	Port int `yaml:"port"`

	// DataDir holds the badger database. Default: ~/.aleutian/journal/data
	DataDir string `yaml:"dataDir"`

	// InMemory runs badger without disk, for tests and demos.
	InMemory bool `yaml:"inMemory"`

	// AppName appears in OTP mails. Default: mail.DefaultAppName
	AppName string `yaml:"appName"`

	// LogDir enables the daily JSON log file.
	LogDir string `yaml:"logDir"`

	// LogLevel is debug, info, warn or error. Default: info
	LogLevel string `yaml:"logLevel"`

	// GinMode is debug, release or test. Default: release
	GinMode string `yaml:"ginMode"`

	// OTelEndpoint is the OTLP gRPC collector. "stdout" prints spans;
	// empty disables tracing.
	OTelEndpoint string `yaml:"otelEndpoint"`

	// AllowedOrigins restricts websocket origins. Empty allows any.
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// TokenTTL is the bearer token lifetime. Default: 24h
	TokenTTL time.Duration `yaml:"tokenTTL"`

	// SweepInterval is the TTL sweeper period. Default: 1m
	SweepInterval time.Duration `yaml:"sweepInterval"`

	// StageTimeout bounds each archival stage. Default: 60s
	StageTimeout time.Duration `yaml:"stageTimeout"`

	// HistoryItemTimeout bounds each content-store fetch. Default: 5s
	HistoryItemTimeout time.Duration `yaml:"historyItemTimeout"`

	// ArchiveWorkers sizes the archival worker pool. Default: 4
	ArchiveWorkers int `yaml:"archiveWorkers"`

	// ShutdownTimeout bounds graceful shutdown. Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	AI      AIConfig      `yaml:"ai"`
	Content ContentConfig `yaml:"content"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Mail    MailConfig    `yaml:"mail"`
}

// AIConfig selects the AI collaborator. API keys left empty are read
// from GEMINI_API_KEY / OPENAI_API_KEY or /run/secrets.
type AIConfig struct {
	Backend      string `yaml:"backend"`
	GeminiAPIKey string `yaml:"-"`
	GeminiModel  string `yaml:"geminiModel"`
	OpenAIAPIKey string `yaml:"-"`
	OpenAIModel  string `yaml:"openaiModel"`
	OpenAIURL    string `yaml:"openaiURL"`
}

// ContentConfig selects the content-address store.
type ContentConfig struct {
	Backend            string `yaml:"backend"`
	PinataJWT          string `yaml:"-"`
	PinataAPIURL       string `yaml:"pinataAPIURL"`
	PinataGatewayURL   string `yaml:"pinataGatewayURL"`
	GCSBucket          string `yaml:"gcsBucket"`
	GCSCredentialsFile string `yaml:"gcsCredentialsFile"`

	// CacheSize is the number of payloads kept in memory. Zero disables
	// the cache. Default: 256
	CacheSize int `yaml:"cacheSize"`
}

// LedgerConfig selects the notarization ledger.
type LedgerConfig struct {
	Backend  string `yaml:"backend"`
	URL      string `yaml:"url"`
	Contract string `yaml:"contract"`
}

// MailConfig selects the OTP mailer.
type MailConfig struct {
	Backend           string `yaml:"backend"`
	EmailJSServiceID  string `yaml:"emailjsServiceID"`
	EmailJSTemplateID string `yaml:"emailjsTemplateID"`
	EmailJSPublicKey  string `yaml:"-"`
	EmailJSPrivateKey string `yaml:"-"`
}

// LoadConfig reads path (when non-empty) and then overlays environment
// variables. Secrets are never read from the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("JOURNAL_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JOURNAL_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v, ok := lookup("JOURNAL_ALLOWED_ORIGINS"); ok && v != "" {
		cfg.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}
	str("JOURNAL_DATA_DIR", &cfg.DataDir)
	str("JOURNAL_APP_NAME", &cfg.AppName)
	str("JOURNAL_LOG_DIR", &cfg.LogDir)
	str("JOURNAL_LOG_LEVEL", &cfg.LogLevel)
	str("GIN_MODE", &cfg.GinMode)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTelEndpoint)

	str("JOURNAL_AI_BACKEND", &cfg.AI.Backend)
	str("JOURNAL_GEMINI_MODEL", &cfg.AI.GeminiModel)
	str("JOURNAL_OPENAI_MODEL", &cfg.AI.OpenAIModel)
	str("OPENAI_BASE_URL", &cfg.AI.OpenAIURL)

	str("JOURNAL_CONTENT_STORE", &cfg.Content.Backend)
	str("JOURNAL_GCS_BUCKET", &cfg.Content.GCSBucket)
	str("GOOGLE_APPLICATION_CREDENTIALS", &cfg.Content.GCSCredentialsFile)
	str("PINATA_API_URL", &cfg.Content.PinataAPIURL)
	str("PINATA_GATEWAY_URL", &cfg.Content.PinataGatewayURL)
	cfg.Content.PinataJWT = readSecret(lookup, "PINATA_JWT", "pinata_jwt", cfg.Content.PinataJWT)

	str("JOURNAL_LEDGER", &cfg.Ledger.Backend)
	str("JOURNAL_LEDGER_URL", &cfg.Ledger.URL)
	str("JOURNAL_LEDGER_CONTRACT", &cfg.Ledger.Contract)

	str("JOURNAL_MAIL", &cfg.Mail.Backend)
	str("EMAILJS_SERVICE_ID", &cfg.Mail.EmailJSServiceID)
	str("EMAILJS_TEMPLATE_ID", &cfg.Mail.EmailJSTemplateID)
	cfg.Mail.EmailJSPublicKey = readSecret(lookup, "EMAILJS_PUBLIC_KEY", "emailjs_public_key", cfg.Mail.EmailJSPublicKey)
	cfg.Mail.EmailJSPrivateKey = readSecret(lookup, "EMAILJS_PRIVATE_KEY", "emailjs_private_key", cfg.Mail.EmailJSPrivateKey)
	return nil
}

// readSecret prefers the environment, then secretsDir/name, then current.
func readSecret(lookup func(string) (string, bool), envVar, name, current string) string {
	if v, ok := lookup(envVar); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if data, err := os.ReadFile(filepath.Join(secretsDir, name)); err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v
		}
	}
	return current
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12230
	}
	if cfg.DataDir == "" && !cfg.InMemory {
		cfg.DataDir = "~/.aleutian/journal/data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.GinMode == "" {
		cfg.GinMode = "release"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 60 * time.Second
	}
	if cfg.HistoryItemTimeout <= 0 {
		cfg.HistoryItemTimeout = 5 * time.Second
	}
	if cfg.ArchiveWorkers <= 0 {
		cfg.ArchiveWorkers = 4
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.AI.Backend == "" {
		cfg.AI.Backend = AIRules
	}
	if cfg.Content.Backend == "" {
		cfg.Content.Backend = ContentLocal
	}
	if cfg.Content.CacheSize == 0 {
		cfg.Content.CacheSize = 256
	}
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = LedgerLocal
	}
	if cfg.Mail.Backend == "" {
		cfg.Mail.Backend = MailLog
	}
	return cfg
}

// Validate reports unknown backend names and missing backend settings.
func (c Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unknown backend %q (want one of %s)", field, value, strings.Join(allowed, ", ")))
	}
	check("ai.backend", c.AI.Backend, AIGemini, AIOpenAI, AIRules)
	check("content.backend", c.Content.Backend, ContentLocal, ContentPinata, ContentGCS)
	check("ledger.backend", c.Ledger.Backend, LedgerLocal, LedgerRPC, LedgerNone)
	check("mail.backend", c.Mail.Backend, MailLog, MailEmailJS)

	if c.Content.Backend == ContentGCS && c.Content.GCSBucket == "" {
		errs = append(errs, errors.New("content.gcsBucket is required for the gcs backend"))
	}
	if c.Ledger.Backend == LedgerRPC && c.Ledger.URL == "" {
		errs = append(errs, errors.New("ledger.url is required for the rpc backend"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("logLevel: unknown level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}
