// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-assist/internal/logging"
	"github.com/jeranaias/rigrun-assist/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete assist configuration.
type Config struct {
	API     APIConfig     `toml:"api" json:"api"`
	Chat    ChatConfig    `toml:"chat" json:"chat"`
	Storage StorageConfig `toml:"storage" json:"storage"`
	Login   LoginConfig   `toml:"login" json:"login"`
	Logging LoggingConfig `toml:"logging" json:"logging"`

	// Topics maps a topic code to its switches.
	Topics map[string]TopicConfig `toml:"topics" json:"topics"`
}

// APIConfig contains service endpoints.
type APIConfig struct {
	BaseURL           string  `toml:"base_url" json:"base_url"`
	IdentityURL       string  `toml:"identity_url" json:"identity_url"`
	HostURL           string  `toml:"host_url" json:"host_url"`
	TimeoutSecs       int     `toml:"timeout_secs" json:"timeout_secs"`
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
}

// ChatConfig contains send settings.
type ChatConfig struct {
	DefaultTopic string `toml:"default_topic" json:"default_topic"`
	Think        bool   `toml:"think" json:"think"`

	// SyncThreshold is how many unsynced reply bytes trigger a mirror write.
	SyncThreshold int `toml:"sync_threshold" json:"sync_threshold"`

	StreamIdleTimeoutSecs int `toml:"stream_idle_timeout_secs" json:"stream_idle_timeout_secs"`

	// ReadSize is the stream read buffer size in bytes.
	ReadSize int `toml:"read_size" json:"read_size"`
}

// StorageConfig selects the local persistence backend.
type StorageConfig struct {
	Backend string `toml:"backend" json:"backend"`

	// Dir defaults to the config directory.
	Dir string `toml:"dir" json:"dir"`

	// Passphrase, when set, encrypts stored values.
	Passphrase string `toml:"passphrase" json:"passphrase"`
}

// LoginConfig holds the key shared with the login page.
type LoginConfig struct {
	Key string `toml:"key" json:"key"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `toml:"level" json:"level"`
	JSON  bool   `toml:"json" json:"json"`
}

// TopicConfig holds per-topic switches. A nil switch means enabled.
type TopicConfig struct {
	Label     string `toml:"label" json:"label"`
	Streaming *bool  `toml:"streaming" json:"streaming,omitempty"`
	Think     *bool  `toml:"think" json:"think,omitempty"`
}

// StreamingEnabled reports whether replies for the topic may stream.
func (t TopicConfig) StreamingEnabled() bool { return t.Streaming == nil || *t.Streaming }

// ThinkEnabled reports whether think mode may be used for the topic.
func (t TopicConfig) ThinkEnabled() bool { return t.Think == nil || *t.Think }

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// =============================================================================
// DEFAULTS
// =============================================================================

func off() *bool {
	b := false
	return &b
}

// DefaultTopics returns the built-in topic table.
func DefaultTopics() map[string]TopicConfig {
	return map[string]TopicConfig{
		"HCNS":       {Label: "Human resources"},
		"IT":         {Label: "IT support"},
		"KT":         {Label: "Accounting"},
		"KINH_DOANH": {Label: "Sales"},
		"TGD":        {Label: "General director"},
		"NGHI_PHEP":  {Label: "Leave requests", Think: off()},
	}
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:           "https://aiapi.hbc.com.vn",
			IdentityURL:       "https://id-api-staging.hbc.com.vn",
			HostURL:           "https://ai.hbc.com.vn",
			TimeoutSecs:       120,
			RequestsPerSecond: 5,
		},
		Chat: ChatConfig{
			DefaultTopic:          "HCNS",
			Think:                 false,
			SyncThreshold:         256,
			StreamIdleTimeoutSecs: 90,
			ReadSize:              4096,
		},
		Storage: StorageConfig{
			Backend: BackendFile,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Topics: DefaultTopics(),
	}
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Timeout returns the request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSecs) * time.Second
}

// StreamIdleTimeout returns the longest wait between stream records.
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.Chat.StreamIdleTimeoutSecs) * time.Second
}

// Topic returns the switches for code. Unknown topics get all switches on.
func (c *Config) Topic(code string) TopicConfig {
	return c.Topics[strings.ToUpper(code)]
}

// TopicCodes returns the configured topic codes, sorted.
func (c *Config) TopicCodes() []string {
	codes := make([]string, 0, len(c.Topics))
	for code := range c.Topics {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// DataDir returns the storage directory.
func (c *Config) DataDir() (string, error) {
	if c.Storage.Dir != "" {
		return c.Storage.Dir, nil
	}
	return ConfigDir()
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the assist configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".assist"), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600; it may hold the
// store passphrase and the login key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads the config from the default path.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads the config at path. A missing file yields the defaults.
// Environment overrides are applied before validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes path over cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	// A topics table in the file replaces the built-in one rather than
	// merging into it.
	cfg.Topics = nil

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %s\n", path, strings.Join(keys, ", "))
	}
	return nil
}

// SetDefaults fills zero values left by a partial file.
func (c *Config) SetDefaults() {
	d := Default()

	if c.API.BaseURL == "" {
		c.API.BaseURL = d.API.BaseURL
	}
	if c.API.IdentityURL == "" {
		c.API.IdentityURL = d.API.IdentityURL
	}
	if c.API.HostURL == "" {
		c.API.HostURL = d.API.HostURL
	}
	if c.API.TimeoutSecs == 0 {
		c.API.TimeoutSecs = d.API.TimeoutSecs
	}
	if c.API.RequestsPerSecond == 0 {
		c.API.RequestsPerSecond = d.API.RequestsPerSecond
	}

	if c.Chat.DefaultTopic == "" {
		c.Chat.DefaultTopic = d.Chat.DefaultTopic
	}
	c.Chat.DefaultTopic = strings.ToUpper(c.Chat.DefaultTopic)
	if c.Chat.SyncThreshold == 0 {
		c.Chat.SyncThreshold = d.Chat.SyncThreshold
	}
	if c.Chat.StreamIdleTimeoutSecs == 0 {
		c.Chat.StreamIdleTimeoutSecs = d.Chat.StreamIdleTimeoutSecs
	}
	if c.Chat.ReadSize == 0 {
		c.Chat.ReadSize = d.Chat.ReadSize
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)

	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}

	if len(c.Topics) == 0 {
		c.Topics = DefaultTopics()
	} else {
		normalized := make(map[string]TopicConfig, len(c.Topics))
		for code, t := range c.Topics {
			normalized[strings.ToUpper(code)] = t
		}
		c.Topics = normalized
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to the default path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg to path atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# assist configuration file\n")
	buf.WriteString("# Generated by assist - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns ValidateErrors on failure.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	for field, raw := range map[string]string{
		"api.base_url":     c.API.BaseURL,
		"api.identity_url": c.API.IdentityURL,
	} {
		if err := validateURL(raw); err != nil {
			add(field, "%v", err)
		}
	}
	if c.API.HostURL != "" {
		if err := validateURL(c.API.HostURL); err != nil {
			add("api.host_url", "%v", err)
		}
	}
	if c.API.TimeoutSecs <= 0 {
		add("api.timeout_secs", "must be positive, got %d", c.API.TimeoutSecs)
	}
	if c.API.RequestsPerSecond <= 0 {
		add("api.requests_per_second", "must be positive, got %g", c.API.RequestsPerSecond)
	}

	if c.Chat.SyncThreshold <= 0 {
		add("chat.sync_threshold", "must be positive, got %d", c.Chat.SyncThreshold)
	}
	if c.Chat.StreamIdleTimeoutSecs <= 0 {
		add("chat.stream_idle_timeout_secs", "must be positive, got %d", c.Chat.StreamIdleTimeoutSecs)
	}
	if c.Chat.ReadSize < 64 {
		add("chat.read_size", "must be at least 64 bytes, got %d", c.Chat.ReadSize)
	}
	if _, ok := c.Topics[c.Chat.DefaultTopic]; !ok {
		add("chat.default_topic", "unknown topic %q", c.Chat.DefaultTopic)
	}

	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
	default:
		add("storage.backend", "invalid backend '%s', must be one of: file, sqlite", c.Storage.Backend)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}

	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported environment variables:
//   - ASSIST_API_URL: overrides api.base_url
//   - ASSIST_IDENTITY_URL: overrides api.identity_url
//   - ASSIST_TOPIC: overrides chat.default_topic
//   - ASSIST_LOG_LEVEL: overrides logging.level
//   - ASSIST_DATA_DIR: overrides storage.dir
//   - ASSIST_STORE_PASSPHRASE: overrides storage.passphrase
//   - ASSIST_LOGIN_KEY: overrides login.key
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ASSIST_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("ASSIST_IDENTITY_URL"); v != "" {
		c.API.IdentityURL = v
	}
	if v := os.Getenv("ASSIST_TOPIC"); v != "" {
		c.Chat.DefaultTopic = v
	}
	if v := os.Getenv("ASSIST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ASSIST_DATA_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("ASSIST_STORE_PASSPHRASE"); v != "" {
		c.Storage.Passphrase = v
	}
	if v := os.Getenv("ASSIST_LOGIN_KEY"); v != "" {
		c.Login.Key = v
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a value by its dotted TOML key, e.g. "chat.default_topic".
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set assigns a value by its dotted TOML key. String values are converted
// to the field's type.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	parts := strings.Split(strings.TrimSpace(key), ".")
	if len(parts) == 0 || parts[0] == "" {
		return reflect.Value{}, errors.New("empty key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i], "."))
		}
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return v, nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if strings.EqualFold(tag, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value any) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strVal)
			if err != nil {
				return fmt.Errorf("invalid boolean value: %v", err)
			}
			field.SetBool(boolVal)
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns every scalar key in dot notation.
func Keys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		if section.Type.Kind() != reflect.Struct {
			continue
		}
		prefix, _, _ := strings.Cut(section.Tag.Get("toml"), ",")
		for j := 0; j < section.Type.NumField(); j++ {
			name, _, _ := strings.Cut(section.Type.Field(j).Tag.Get("toml"), ",")
			keys = append(keys, prefix+"."+name)
		}
	}
	return keys
}

// =============================================================================
// COPY AND DISPLAY
// =============================================================================

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Topics != nil {
		clone.Topics = make(map[string]TopicConfig, len(c.Topics))
		for k, v := range c.Topics {
			clone.Topics[k] = v
		}
	}
	return &clone
}

// String renders the config as TOML with secrets redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Storage.Passphrase != "" {
		safe.Storage.Passphrase = "[REDACTED]"
	}
	if safe.Login.Key != "" {
		safe.Login.Key = "[REDACTED]"
	}
	var buf bytes.Buffer
	_ = toml.NewEncoder(&buf).Encode(safe)
	return buf.String()
}
