package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML overlay applied on top of environment config.
// Zero values leave the corresponding Config field untouched.
type Profile struct {
	Port             string `yaml:"port" json:"port"`
	LogLevel         string `yaml:"log_level" json:"log_level"`
	DBPath           string `yaml:"db_path" json:"db_path"`
	BaseURL          string `yaml:"base_url" json:"base_url"`
	ExecutePolicy    string `yaml:"execute_policy" json:"execute_policy"`
	MaxExecuteAmount int64  `yaml:"max_execute_amount" json:"max_execute_amount"`
	ExecuteRule      string `yaml:"execute_rule" json:"execute_rule"`
	AdaptersDir      string `yaml:"adapters_dir" json:"adapters_dir"`
	JobPollMS        int64  `yaml:"job_poll_interval_ms" json:"job_poll_interval_ms"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst   int    `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// LoadProfile reads a YAML profile and applies it to cfg. A missing file is
// not an error; the environment config stands alone.
func LoadProfile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse profile %q: %w", path, err)
	}

	if p.Port != "" {
		cfg.Port = p.Port
	}
	if p.LogLevel != "" {
		cfg.LogLevel = p.LogLevel
	}
	if p.DBPath != "" {
		cfg.DBPath = p.DBPath
	}
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	if p.ExecutePolicy != "" {
		cfg.ExecutePolicy = parsePolicy(p.ExecutePolicy)
	}
	if p.MaxExecuteAmount > 0 {
		cfg.MaxExecuteAmount = p.MaxExecuteAmount
	}
	if p.ExecuteRule != "" {
		cfg.ExecuteRule = p.ExecuteRule
	}
	if p.AdaptersDir != "" {
		cfg.AdaptersDir = p.AdaptersDir
	}
	if p.JobPollMS >= 100 {
		cfg.JobPollInterval = time.Duration(p.JobPollMS) * time.Millisecond
	}
	if p.RateLimitRPS > 0 {
		cfg.RateLimitRPS = p.RateLimitRPS
	}
	if p.RateLimitBurst > 0 {
		cfg.RateLimitBurst = p.RateLimitBurst
	}

	return nil
}
