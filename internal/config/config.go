// Package config provides configuration management for the gateway.
// It handles loading and parsing YAML configuration files, applies
// environment variable overrides for the secrets a deployment normally
// injects (admin token, mirror credentials, Vertex credentials), and
// provides structured access to application settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile switches log output to a rotating file under logs/.
	LoggingToFile bool `yaml:"logging-to-file"`

	// RequestLog enables detailed request/response logging.
	RequestLog bool `yaml:"request-log"`

	// DBPath is the location of the sqlite state file.
	DBPath string `yaml:"db-path"`

	// AdminToken authenticates calls to the /api/admin tree. The browser
	// session layer in front of it is deployment-owned; the gateway only
	// checks this token.
	AdminToken string `yaml:"admin-token"`

	// CivilTimezone is the fixed timezone for daily quota resets.
	CivilTimezone string `yaml:"civil-timezone"`

	// ProxyURLs is a comma-separated list of socks5:// URLs used for
	// outbound upstream requests. Empty means direct connections.
	ProxyURLs string `yaml:"proxy-urls"`

	// KeepAlive seeds the keep-alive streaming flag on first boot.
	KeepAlive bool `yaml:"keep-alive"`

	// MaxRetry seeds the per-request key-switch retry budget on first boot.
	MaxRetry int `yaml:"max-retry"`

	// WebSearch seeds the web-search model synthesis flag on first boot.
	WebSearch bool `yaml:"web-search"`

	// UpstreamGateway optionally rewrites upstream URLs through an AI
	// gateway. Format: "<32-hex account id>/<gateway name>".
	UpstreamGateway string `yaml:"upstream-gateway"`

	// Mirror configures the remote backup of the sqlite file.
	Mirror MirrorConfig `yaml:"mirror"`

	// Vertex configures the alternate backend for [v]-prefixed models.
	Vertex VertexConfig `yaml:"vertex"`
}

// MirrorConfig identifies the GitHub repository that receives the debounced
// database uploads.
type MirrorConfig struct {
	// Project is the "owner/repo" slug of the backup repository.
	Project string `yaml:"project"`

	// Path is the file path inside the repository. Defaults to the local
	// database file name.
	Path string `yaml:"path"`

	// Branch is the target branch; empty uses the repository default.
	Branch string `yaml:"branch"`

	// Token is a personal access token with contents write permission.
	Token string `yaml:"token"`

	// EncryptKey, when set, encrypts uploads. Any length is accepted here;
	// a 32-byte AES key is derived from it.
	EncryptKey string `yaml:"encrypt-key"`

	// SyncMinutes is the debounce window between uploads. Defaults to 5.
	SyncMinutes int `yaml:"sync-minutes"`
}

// Enabled reports whether the mirror has enough configuration to run.
func (m MirrorConfig) Enabled() bool {
	return m.Project != "" && m.Token != ""
}

// VertexConfig carries credentials for the Vertex backend. Either APIKey
// (express mode) or CredentialsJSON (service account) enables it.
type VertexConfig struct {
	// APIKey enables express mode against the global Vertex endpoint.
	APIKey string `yaml:"api-key"`

	// CredentialsJSON is the raw service-account JSON blob.
	CredentialsJSON string `yaml:"credentials-json"`

	// ProjectID overrides the project id from the credentials.
	ProjectID string `yaml:"project-id"`

	// Location is the Vertex region for service-account mode.
	Location string `yaml:"location"`
}

// Enabled reports whether the alternate backend should be exposed.
func (v VertexConfig) Enabled() bool {
	return v.APIKey != "" || v.CredentialsJSON != ""
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies environment variable overrides and
// defaults, and returns it. A missing file is not an error: deployments that
// configure everything through the environment run without one.
func LoadConfig(configFile string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(configFile)
	if err == nil {
		if err = yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()
	return &config, nil
}

// applyEnv layers the deployment-injected secrets and flags over the file
// values. Environment always wins so rotated secrets take effect without
// editing the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		c.AdminToken = v
	}
	if v := os.Getenv("PROXY"); v != "" {
		c.ProxyURLs = v
	}
	if v := os.Getenv("GITHUB_PROJECT"); v != "" {
		c.Mirror.Project = v
	}
	if v := os.Getenv("GITHUB_PROJECT_PAT"); v != "" {
		c.Mirror.Token = v
	}
	if v := os.Getenv("GITHUB_ENCRYPT_KEY"); v != "" {
		c.Mirror.EncryptKey = v
	}
	if v := os.Getenv("VERTEX_API_KEY"); v != "" {
		c.Vertex.APIKey = v
	}
	if v := os.Getenv("GOOGLE_CREDENTIALS_JSON"); v != "" {
		c.Vertex.CredentialsJSON = v
	}
	if v := os.Getenv("CIVIL_TIMEZONE"); v != "" {
		c.CivilTimezone = v
	}
	if v, ok := boolEnv("KEEPALIVE"); ok {
		c.KeepAlive = v
	}
	if v, ok := boolEnv("WEB_SEARCH"); ok {
		c.WebSearch = v
	}
	if v := os.Getenv("MAX_RETRY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.MaxRetry = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.DBPath == "" {
		c.DBPath = "data/panel.db"
	}
	if c.MaxRetry == 0 {
		c.MaxRetry = 3
	}
	if c.Mirror.SyncMinutes <= 0 {
		c.Mirror.SyncMinutes = 5
	}
	if c.Mirror.Path == "" {
		c.Mirror.Path = "panel.db"
	}
	if c.Vertex.Location == "" {
		c.Vertex.Location = "us-central1"
	}
}

func boolEnv(name string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "on", "yes":
		return true, true
	case "0", "false", "off", "no":
		return false, true
	}
	return false, false
}
