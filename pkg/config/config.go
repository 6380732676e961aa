package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Default locations and intervals
const (
	DefaultConfigFile    = "burrow.yaml"
	DefaultWorkFolder    = "_work"
	DefaultStateDir      = ".burrow"
	DefaultRenewInterval = 60 * time.Second
)

// Credential schemes
const (
	SchemeToken           = "token"            // v1: static bearer token
	SchemeClientAssertion = "client_assertion" // v2: RSA-signed JWT exchanged for an access token
)

// Settings is the agent's on-disk configuration
type Settings struct {
	ServerURL     string      `yaml:"server_url"`
	PoolID        int64       `yaml:"pool_id"`
	PoolName      string      `yaml:"pool_name,omitempty"`
	AgentID       int64       `yaml:"agent_id"`
	AgentName     string      `yaml:"agent_name"`
	RootFolder    string      `yaml:"root_folder,omitempty"`
	WorkFolder    string      `yaml:"work_folder,omitempty"`
	StateDir      string      `yaml:"state_dir,omitempty"`
	Labels        []string    `yaml:"labels,omitempty"`
	Ephemeral     bool        `yaml:"ephemeral,omitempty"`
	DisableUpdate bool        `yaml:"disable_update,omitempty"`
	MetricsAddr   string      `yaml:"metrics_addr,omitempty"`
	Credentials   Credentials `yaml:"credentials"`

	// Raw duration strings from YAML, parsed into the fields below
	RenewIntervalRaw string        `yaml:"renew_interval,omitempty"`
	RenewInterval    time.Duration `yaml:"-"`
}

// Credentials configures how the agent authenticates
type Credentials struct {
	Scheme           string `yaml:"scheme"`
	Token            string `yaml:"token,omitempty"`
	ClientID         string `yaml:"client_id,omitempty"`
	KeyFile          string `yaml:"key_file,omitempty"`
	AuthorizationURL string `yaml:"authorization_url,omitempty"`
}

// Load reads a settings file from path. Environment variables in the
// format ${VAR_NAME} are expanded before parsing.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	s, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if s.RootFolder == "" {
		abs, err := filepath.Abs(filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("resolving root folder: %w", err)
		}
		s.RootFolder = abs
	}
	return s, nil
}

// Parse decodes, defaults and validates settings from raw YAML.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &s); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&s); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	s.applyDefaults()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &s, nil
}

// Save writes the settings to path atomically.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// Validate checks that all required fields are present.
func (s *Settings) Validate() error {
	if s.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if s.PoolID <= 0 {
		return fmt.Errorf("pool_id is required")
	}
	if s.AgentID <= 0 {
		return fmt.Errorf("agent_id is required")
	}
	if s.AgentName == "" {
		return fmt.Errorf("agent_name is required")
	}

	switch s.Credentials.Scheme {
	case SchemeToken:
		if s.Credentials.Token == "" {
			return fmt.Errorf("credentials.token is required for scheme %q", SchemeToken)
		}
	case SchemeClientAssertion:
		if s.Credentials.ClientID == "" || s.Credentials.KeyFile == "" || s.Credentials.AuthorizationURL == "" {
			return fmt.Errorf("credentials.client_id, key_file and authorization_url are required for scheme %q", SchemeClientAssertion)
		}
	default:
		return fmt.Errorf("unsupported credentials.scheme %q", s.Credentials.Scheme)
	}
	return nil
}

// WorkDir returns the absolute work folder.
func (s *Settings) WorkDir() string {
	if filepath.IsAbs(s.WorkFolder) {
		return s.WorkFolder
	}
	return filepath.Join(s.RootFolder, s.WorkFolder)
}

// StatePath returns the absolute state directory.
func (s *Settings) StatePath() string {
	if filepath.IsAbs(s.StateDir) {
		return s.StateDir
	}
	return filepath.Join(s.RootFolder, s.StateDir)
}

func (s *Settings) applyDefaults() {
	if s.WorkFolder == "" {
		s.WorkFolder = DefaultWorkFolder
	}
	if s.StateDir == "" {
		s.StateDir = DefaultStateDir
	}
	if s.RenewInterval == 0 {
		s.RenewInterval = DefaultRenewInterval
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or the
// empty string when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(s *Settings) error {
	if s.RenewIntervalRaw != "" {
		d, err := time.ParseDuration(s.RenewIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing renew_interval %q: %w", s.RenewIntervalRaw, err)
		}
		s.RenewInterval = d
	}
	return nil
}
