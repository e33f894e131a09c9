package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"issueforge/internal/notify"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ISSUEFORGE"

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "issueforge.yml"

// Retention policies for run workdirs.
const (
	RetentionKeep            = "keep"
	RetentionDeleteOnSuccess = "delete_on_success"
	RetentionDelete          = "delete"
)

// Config models issueforge.yml. Durations are expressed in seconds.
type Config struct {
	PollInterval       int      `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gte=1"`
	WorkInterval       int      `mapstructure:"work_interval" yaml:"work_interval" validate:"gte=1"`
	ExpiryInterval     int      `mapstructure:"expiry_interval" yaml:"expiry_interval" validate:"gte=1"`
	MaxParallelRuns    int      `mapstructure:"max_parallel_runs" yaml:"max_parallel_runs" validate:"gte=1"`
	ApprovalTTL        int      `mapstructure:"approval_ttl" yaml:"approval_ttl" validate:"gte=1"`
	GeneratorTimeout   int      `mapstructure:"generator_timeout" yaml:"generator_timeout" validate:"gte=1"`
	GeneratorKillGrace int      `mapstructure:"generator_kill_grace" yaml:"generator_kill_grace" validate:"gte=0"`
	WorkdirRoot        string   `mapstructure:"workdir_root" yaml:"workdir_root" validate:"required"`
	WorkdirRetention   string   `mapstructure:"workdir_retention" yaml:"workdir_retention" validate:"oneof=keep delete_on_success delete"`
	LabelSet           []string `mapstructure:"label_set" yaml:"label_set" validate:"min=1,dive,required,excludesall=0x2C"`

	HostingEndpoint      string  `mapstructure:"hosting_endpoint" yaml:"hosting_endpoint" validate:"required,url"`
	HostingRepo          string  `mapstructure:"hosting_repo" yaml:"hosting_repo" validate:"required"`
	HostingOwner         string  `mapstructure:"hosting_owner" yaml:"hosting_owner"`
	HostingCredentials   string  `mapstructure:"hosting_credentials" yaml:"-" validate:"required"`
	HostingTimeout       int     `mapstructure:"hosting_timeout" yaml:"hosting_timeout" validate:"gte=1"`
	HostingRatePerSecond float64 `mapstructure:"hosting_rate_per_second" yaml:"hosting_rate_per_second" validate:"gt=0"`
	RepoVisibility       string  `mapstructure:"repo_visibility" yaml:"repo_visibility" validate:"oneof=public private"`

	GeneratorExecutable string   `mapstructure:"generator_executable" yaml:"generator_executable" validate:"required"`
	GeneratorModel      string   `mapstructure:"generator_model" yaml:"generator_model" validate:"required"`
	GeneratorArgs       []string `mapstructure:"generator_args" yaml:"generator_args"`
	GeneratorEnv        []string `mapstructure:"generator_env" yaml:"generator_env"`

	GitExecutable  string `mapstructure:"git_executable" yaml:"git_executable" validate:"required"`
	GitAuthorName  string `mapstructure:"git_author_name" yaml:"git_author_name" validate:"required"`
	GitAuthorEmail string `mapstructure:"git_author_email" yaml:"git_author_email" validate:"required,email"`

	DBPath    string `mapstructure:"db_path" yaml:"db_path" validate:"required"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" validate:"oneof=text json"`

	APIAddr        string   `mapstructure:"api_addr" yaml:"api_addr"`
	APIJWTSecret   string   `mapstructure:"api_jwt_secret" yaml:"-"`
	APIDevLogin    bool     `mapstructure:"api_dev_login" yaml:"api_dev_login"`
	NotifyWebhooks []string `mapstructure:"notify_webhooks" yaml:"notify_webhooks" validate:"dive,url"`
}

// Error reports an invalid or incomplete configuration.
type Error struct {
	Err error
}

func (e Error) Error() string { return "config: " + e.Err.Error() }
func (e Error) Unwrap() error { return e.Err }
func (e Error) ExitCode() int { return 1 }

var defaults = map[string]any{
	"poll_interval":           30,
	"work_interval":           15,
	"expiry_interval":         3600,
	"max_parallel_runs":       1,
	"approval_ttl":            604800,
	"generator_timeout":       1800,
	"generator_kill_grace":    10,
	"workdir_root":            "",
	"workdir_retention":       RetentionKeep,
	"label_set":               []string{"system-generation", "prompt-request"},
	"hosting_endpoint":        "https://api.github.com",
	"hosting_repo":            "",
	"hosting_owner":           "",
	"hosting_credentials":     "",
	"hosting_timeout":         60,
	"hosting_rate_per_second": 5.0,
	"repo_visibility":         "public",
	"generator_executable":    "",
	"generator_model":         "",
	"generator_args":          []string{"--model", "{model}", "--prompt-file", "{prompt}"},
	"generator_env":           []string{},
	"git_executable":          "git",
	"git_author_name":         "issueforge",
	"git_author_email":        "issueforge@example.com",
	"db_path":                 filepath.Join(".issueforge", "issueforge.db"),
	"log_level":               "info",
	"log_format":              "text",
	"api_addr":                "",
	"api_jwt_secret":          "",
	"api_dev_login":           false,
	"notify_webhooks":         []string{},
}

// Default returns the built-in configuration. It does not validate.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load is Read followed by Validate.
func Load(v *viper.Viper, path string, explicit bool) (*Config, error) {
	cfg, err := Read(v, path, explicit)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read layers defaults, the optional YAML file at path and ISSUEFORGE_*
// environment variables without validating. A missing file is only an error
// when explicit is true.
func Read(v *viper.Viper, path string, explicit bool) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, Error{Err: fmt.Errorf("read %s: %w", path, err)}
			}
		} else if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, Error{Err: fmt.Errorf("config %s: %w", path, err)}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, Error{Err: err}
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.LabelSet = trimAll(c.LabelSet)
	c.GeneratorEnv = trimAll(c.GeneratorEnv)
	c.NotifyWebhooks = trimAll(c.NotifyWebhooks)
	c.HostingEndpoint = strings.TrimRight(strings.TrimSpace(c.HostingEndpoint), "/")
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return Error{Err: fmt.Errorf("%s: failed %q check", fe.Field(), fe.Tag())}
		}
		return Error{Err: err}
	}
	if !filepath.IsAbs(c.WorkdirRoot) {
		return Error{Err: fmt.Errorf("workdir_root must be an absolute path, got %q", c.WorkdirRoot)}
	}
	owner, name, ok := strings.Cut(c.HostingRepo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Error{Err: fmt.Errorf("hosting_repo must be owner/name, got %q", c.HostingRepo)}
	}
	seen := map[string]bool{}
	for _, l := range c.LabelSet {
		if seen[l] {
			return Error{Err: fmt.Errorf("label_set has duplicate label %q", l)}
		}
		seen[l] = true
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) PollEvery() time.Duration { return seconds(c.PollInterval) }
func (c *Config) WorkEvery() time.Duration { return seconds(c.WorkInterval) }
func (c *Config) ExpiryEvery() time.Duration { return seconds(c.ExpiryInterval) }
func (c *Config) ApprovalTTLDur() time.Duration { return seconds(c.ApprovalTTL) }
func (c *Config) GeneratorLimit() time.Duration { return seconds(c.GeneratorTimeout) }
func (c *Config) KillGrace() time.Duration { return seconds(c.GeneratorKillGrace) }
func (c *Config) HostingBudget() time.Duration { return seconds(c.HostingTimeout) }

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.HostingCredentials != "" {
		cp.HostingCredentials = "***"
	}
	if cp.APIJWTSecret != "" {
		cp.APIJWTSecret = "***"
	}
	if len(cp.NotifyWebhooks) > 0 {
		cp.NotifyWebhooks = make([]string, len(c.NotifyWebhooks))
		for i, u := range c.NotifyWebhooks {
			cp.NotifyWebhooks[i] = notify.Redact(u)
		}
	}
	return &cp
}

// GenerateDefault returns a commented starter file.
func GenerateDefault(repo, workdirRoot string) string {
	return fmt.Sprintf(defaultTemplate, repo, workdirRoot)
}

const defaultTemplate = `# issueforge configuration. Every key may be overridden with ISSUEFORGE_<KEY>.
# Credentials are read from the environment only (ISSUEFORGE_HOSTING_CREDENTIALS).
hosting_repo: %s
hosting_endpoint: https://api.github.com
repo_visibility: public
label_set: [system-generation, prompt-request]

workdir_root: %s
workdir_retention: keep

poll_interval: 30
work_interval: 15
max_parallel_runs: 1
approval_ttl: 604800

generator_executable: gpt-engineer
generator_model: gpt-4o
generator_timeout: 1800
generator_env: [OPENAI_API_KEY]
`
