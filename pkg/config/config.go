// Package config holds the widget's unified, all-optional configuration record and its layered
// loading: defaults, YAML file, .env file, environment, data-* attributes, explicit values.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatwidget/pkg/access"
	"github.com/go-go-golems/chatwidget/pkg/eventbus"
)

const (
	EnvPrefix     = "CHATWIDGET_"
	DefaultAPIURL = "http://localhost:8080"
)

type Config struct {
	APIURL      string `yaml:"api_url,omitempty" env:"API_URL"`
	SocketURL   string `yaml:"socket_url,omitempty" env:"SOCKET_URL"`
	AdminAPIKey string `yaml:"admin_api_key,omitempty" env:"ADMIN_API_KEY"`

	Ref         string `yaml:"ref,omitempty" env:"REF"`
	Token       string `yaml:"token,omitempty" env:"TOKEN"`
	AgentID     string `yaml:"agent_id,omitempty" env:"AGENT_ID"`
	WorkspaceID string `yaml:"workspace_id,omitempty" env:"WORKSPACE_ID"`
	AgentSecret string `yaml:"agent_secret,omitempty" env:"AGENT_SECRET"`

	OutlineColorDark  string `yaml:"outline_color_dark,omitempty" env:"OUTLINE_COLOR_DARK"`
	OutlineColorLight string `yaml:"outline_color_light,omitempty" env:"OUTLINE_COLOR_LIGHT"`

	HTTPTimeout      time.Duration `yaml:"http_timeout,omitempty" env:"HTTP_TIMEOUT"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty" env:"HANDSHAKE_TIMEOUT"`

	EventBus eventbus.Settings `yaml:"event_bus,omitempty" envPrefix:"EVENT_BUS_"`
}

func Defaults() Config {
	return Config{
		APIURL:           DefaultAPIURL,
		HTTPTimeout:      15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		EventBus:         eventbus.DefaultSettings(),
	}
}

// LoadOptions names the sources Load reads. Empty paths are skipped; a nil Environment means
// the process environment.
type LoadOptions struct {
	File        string
	DotEnv      string
	Environment map[string]string
}

// Load layers defaults, the YAML file, the .env file and the environment. Values from the
// .env file never override variables already present in the environment.
func Load(opts LoadOptions) (Config, error) {
	cfg := Defaults()

	if opts.File != "" {
		b, err := os.ReadFile(opts.File)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", opts.File)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config file %s", opts.File)
		}
	}

	environment := opts.Environment
	if environment == nil {
		environment = env.ToMap(os.Environ())
	}
	if opts.DotEnv != "" {
		dot, err := godotenv.Read(opts.DotEnv)
		if err != nil && !os.IsNotExist(errors.Cause(err)) {
			return Config{}, errors.Wrapf(err, "read env file %s", opts.DotEnv)
		}
		merged := make(map[string]string, len(environment)+len(dot))
		for k, v := range dot {
			merged[k] = v
		}
		for k, v := range environment {
			merged[k] = v
		}
		environment = merged
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: environment}); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	return cfg, nil
}

// Attribute names recognized on the host mount node.
const (
	AttrRef               = "data-id"
	AttrToken             = "data-token"
	AttrAgentID           = "data-agent-id"
	AttrWorkspaceID       = "data-workspace-id"
	AttrAgentSecret       = "data-agent-secret"
	AttrOutlineColorDark  = "data-outline-color-dark"
	AttrOutlineColorLight = "data-outline-color-light"
)

// FromAttributes maps data-* attributes onto a Config. Unknown attributes are ignored.
func FromAttributes(attrs map[string]string) Config {
	get := func(name string) string {
		return strings.TrimSpace(attrs[name])
	}
	return Config{
		Ref:               get(AttrRef),
		Token:             get(AttrToken),
		AgentID:           get(AttrAgentID),
		WorkspaceID:       get(AttrWorkspaceID),
		AgentSecret:       get(AttrAgentSecret),
		OutlineColorDark:  get(AttrOutlineColorDark),
		OutlineColorLight: get(AttrOutlineColorLight),
	}
}

// Merge returns base with every non-empty field of override applied on top.
func Merge(base, override Config) Config {
	str := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	dur := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	out := base
	str(&out.APIURL, override.APIURL)
	str(&out.SocketURL, override.SocketURL)
	str(&out.AdminAPIKey, override.AdminAPIKey)
	str(&out.Ref, override.Ref)
	str(&out.Token, override.Token)
	str(&out.AgentID, override.AgentID)
	str(&out.WorkspaceID, override.WorkspaceID)
	str(&out.AgentSecret, override.AgentSecret)
	str(&out.OutlineColorDark, override.OutlineColorDark)
	str(&out.OutlineColorLight, override.OutlineColorLight)
	dur(&out.HTTPTimeout, override.HTTPTimeout)
	dur(&out.HandshakeTimeout, override.HandshakeTimeout)
	str(&out.EventBus.Backend, override.EventBus.Backend)
	if override.EventBus.Buffer > 0 {
		out.EventBus.Buffer = override.EventBus.Buffer
	}
	str(&out.EventBus.Redis.Addr, override.EventBus.Redis.Addr)
	str(&out.EventBus.Redis.Group, override.EventBus.Redis.Group)
	str(&out.EventBus.Redis.Consumer, override.EventBus.Redis.Consumer)
	return out
}

// RealtimeURL is SocketURL, falling back to APIURL.
func (c Config) RealtimeURL() string {
	if strings.TrimSpace(c.SocketURL) != "" {
		return c.SocketURL
	}
	return c.APIURL
}

// Scoped reports whether any agent-identifying value is set.
func (c Config) Scoped() bool {
	return c.AccessInput().Scoped()
}

func (c Config) AccessInput() access.Input {
	return access.Input{
		Ref:         c.Ref,
		Token:       c.Token,
		WorkspaceID: c.WorkspaceID,
		AgentID:     c.AgentID,
		AgentSecret: c.AgentSecret,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return errors.New("api url is required")
	}
	return nil
}
