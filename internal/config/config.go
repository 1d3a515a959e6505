// Package config resolves the agent configuration from agent.yaml and the
// environment. Environment variables win over the file, `REPORTING_`
// prefixed variables win over unprefixed ones.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/raphi011/relay/internal/model"
	"github.com/spf13/viper"
	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "REPORTING"

type Config struct {
	Enabled              bool   `mapstructure:"enabled" yaml:"enabled"`
	ProjectKey           string `mapstructure:"project-key" yaml:"project-key"`
	SendLogs             bool   `mapstructure:"send-logs" yaml:"send-logs"`
	TreatSkipsAsFailures bool   `mapstructure:"treat-skips-as-failures" yaml:"treat-skips-as-failures"`

	Server       Server                                `mapstructure:"server" yaml:"server"`
	Run          Run                                   `mapstructure:"run" yaml:"run"`
	Milestone    Milestone                             `mapstructure:"milestone" yaml:"milestone"`
	Notification Notification                          `mapstructure:"notification" yaml:"notification"`
	TCM          TCM                                   `mapstructure:"tcm" yaml:"tcm"`
	Providers    map[string]model.ProviderIntegration `mapstructure:"providers" yaml:"providers,omitempty"`
	Upload       Upload                                `mapstructure:"upload" yaml:"upload"`
	Storage      Storage                               `mapstructure:"storage" yaml:"storage"`
	Status       Status                                `mapstructure:"status" yaml:"status"`
	Elastic      Elastic                               `mapstructure:"elastic" yaml:"elastic"`
	Launcher     Launcher                              `mapstructure:"launcher" yaml:"launcher,omitempty"`
}

type Server struct {
	Hostname    string `mapstructure:"hostname" yaml:"hostname"`
	AccessToken string `mapstructure:"access-token" yaml:"access-token"`
}

type Run struct {
	DisplayName string `mapstructure:"display-name" yaml:"display-name,omitempty"`
	Build       string `mapstructure:"build" yaml:"build,omitempty"`
	Environment string `mapstructure:"environment" yaml:"environment,omitempty"`
	Locale      string `mapstructure:"locale" yaml:"locale,omitempty"`
	Context     string `mapstructure:"context" yaml:"context,omitempty"`
}

type Milestone struct {
	ID   int64  `mapstructure:"id" yaml:"id,omitempty"`
	Name string `mapstructure:"name" yaml:"name,omitempty"`
}

// Notification targets are comma separated lists forwarded to the backend.
type Notification struct {
	SlackChannels       string `mapstructure:"slack-channels" yaml:"slack-channels,omitempty"`
	MSTeamsChannels     string `mapstructure:"ms-teams-channels" yaml:"ms-teams-channels,omitempty"`
	Emails              string `mapstructure:"emails" yaml:"emails,omitempty"`
	NotifyOnEachFailure bool   `mapstructure:"notify-on-each-failure" yaml:"notify-on-each-failure"`
}

type TCM struct {
	TestRail TCMSystem `mapstructure:"testrail" yaml:"testrail"`
	Xray     TCMSystem `mapstructure:"xray" yaml:"xray"`
	Zephyr   TCMSystem `mapstructure:"zephyr" yaml:"zephyr"`
}

type TCMSystem struct {
	Sync                string `mapstructure:"sync" yaml:"sync"`
	model.TCMRunOptions `mapstructure:",squash" yaml:",inline"`
}

type Upload struct {
	MaxAttempts    int           `mapstructure:"max-attempts" yaml:"max-attempts"`
	InitialBackoff time.Duration `mapstructure:"initial-backoff" yaml:"initial-backoff"`
	MaxBackoff     time.Duration `mapstructure:"max-backoff" yaml:"max-backoff"`
	EagerTimeout   time.Duration `mapstructure:"eager-timeout" yaml:"eager-timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain-timeout" yaml:"drain-timeout"`
	Workers        int           `mapstructure:"workers" yaml:"workers"`
	// RateLimit is the maximum number of backend requests per second, 0
	// means unlimited.
	RateLimit float64 `mapstructure:"rate-limit" yaml:"rate-limit"`
}

type Storage struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path,omitempty"`
}

type Status struct {
	Listen string `mapstructure:"listen" yaml:"listen,omitempty"`
}

type Elastic struct {
	Addresses []string `mapstructure:"addresses" yaml:"addresses,omitempty"`
	Index     string   `mapstructure:"index" yaml:"index,omitempty"`
}

// Launcher holds the settings a launcher passes to the host's remote
// drivers.
type Launcher struct {
	HubURL string `mapstructure:"hub-url" yaml:"hub-url,omitempty"`
	// Capabilities is a JSON object merged into the desired capabilities
	// of every driver session.
	Capabilities string `mapstructure:"capabilities" yaml:"capabilities,omitempty"`
}

// DesiredCapabilities returns a copy of base with the launcher capabilities
// applied on top.
func (l Launcher) DesiredCapabilities(base map[string]any) (map[string]any, error) {
	caps := maps.Clone(base)
	if caps == nil {
		caps = map[string]any{}
	}

	if strings.TrimSpace(l.Capabilities) == "" {
		return caps, nil
	}

	overrides := map[string]any{}
	if err := json.Unmarshal([]byte(l.Capabilities), &overrides); err != nil {
		return caps, fmt.Errorf("launcher.capabilities: %w: %w", model.ErrConfigurationInvalid, err)
	}

	maps.Copy(caps, overrides)

	return caps, nil
}

// launcherEnv are the environment variables set by the launcher.
var launcherEnv = map[string]string{
	"launcher.hub-url":      "ZEBRUNNER_HUB_URL",
	"launcher.capabilities": "ZEBRUNNER_CAPABILITIES",
}

// keys are the settings that can be set from the environment.
var keys = []string{
	"enabled", "project-key", "send-logs", "treat-skips-as-failures",
	"server.hostname", "server.access-token",
	"run.display-name", "run.build", "run.environment", "run.locale", "run.context",
	"milestone.id", "milestone.name",
	"notification.slack-channels", "notification.ms-teams-channels",
	"notification.emails", "notification.notify-on-each-failure",
	"tcm.testrail.sync", "tcm.testrail.suite-id", "tcm.testrail.run-id", "tcm.testrail.run-name",
	"tcm.testrail.milestone", "tcm.testrail.assignee", "tcm.testrail.include-all-cases",
	"tcm.xray.sync", "tcm.xray.execution-key",
	"tcm.zephyr.sync", "tcm.zephyr.test-cycle-key", "tcm.zephyr.jira-project-key",
	"upload.max-attempts", "upload.initial-backoff", "upload.max-backoff",
	"upload.eager-timeout", "upload.drain-timeout", "upload.workers", "upload.rate-limit",
	"storage.driver", "storage.path", "status.listen", "elastic.addresses", "elastic.index",
	"launcher.hub-url", "launcher.capabilities",
}

// EnvName returns the unprefixed environment variable of key.
func EnvName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// Load reads file, or agent.yaml/agent.yml from the working directory if
// file is empty, and applies the environment on top. A missing default file
// is not an error.
func Load(file string) (Config, error) {
	v := viper.New()

	v.SetDefault("enabled", true)
	v.SetDefault("project-key", "DEF")
	v.SetDefault("send-logs", true)
	v.SetDefault("treat-skips-as-failures", false)
	for _, system := range model.TCMSystems {
		v.SetDefault("tcm."+string(system)+".sync", string(model.SyncOnFinish))
	}
	v.SetDefault("upload.max-attempts", 5)
	v.SetDefault("upload.initial-backoff", 500*time.Millisecond)
	v.SetDefault("upload.max-backoff", 10*time.Second)
	v.SetDefault("upload.eager-timeout", 5*time.Second)
	v.SetDefault("upload.drain-timeout", 60*time.Second)
	v.SetDefault("upload.workers", 8)
	v.SetDefault("storage.driver", "memory")

	for _, key := range keys {
		names := []string{key, EnvPrefix + "_" + EnvName(key), EnvName(key)}
		if name, ok := launcherEnv[key]; ok {
			names = append(names, name)
		}

		if err := v.BindEnv(names...); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("agent")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	// the file may nest all settings under a `reporting` root key
	if nested := v.GetStringMap("reporting"); len(nested) > 0 {
		if err := v.MergeConfigMap(nested); err != nil {
			return Config{}, fmt.Errorf("merging reporting section: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	return cfg, nil
}

// MissingKeysError lists the settings required when reporting is enabled.
type MissingKeysError struct {
	Keys []string
}

func (e MissingKeysError) Error() string {
	return "missing configuration keys: " + strings.Join(e.Keys, ", ")
}

func (e MissingKeysError) Unwrap() error {
	return model.ErrConfigurationInvalid
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	missing := []string{}

	if c.Server.Hostname == "" {
		missing = append(missing, "server.hostname")
	}
	if c.Server.AccessToken == "" {
		missing = append(missing, "server.access-token")
	}

	if len(missing) > 0 {
		return MissingKeysError{Keys: missing}
	}

	for _, system := range model.TCMSystems {
		if _, err := model.ParseSyncMode(c.TCM.system(system).Sync); err != nil {
			return fmt.Errorf("tcm.%s.sync: %w: %w", system, model.ErrConfigurationInvalid, err)
		}
	}

	return nil
}

func (t TCM) system(s model.TCMSystem) TCMSystem {
	switch s {
	case model.TestRail:
		return t.TestRail
	case model.Xray:
		return t.Xray
	}

	return t.Zephyr
}

// TCMBindings returns the run level binding of every TCM system. Systems
// with an invalid sync mode are disabled.
func (c Config) TCMBindings() []model.TCMBinding {
	bindings := make([]model.TCMBinding, 0, len(model.TCMSystems))

	for _, system := range model.TCMSystems {
		sc := c.TCM.system(system)

		mode, err := model.ParseSyncMode(sc.Sync)
		if err != nil {
			mode = model.SyncDisabled
		}

		bindings = append(bindings, model.TCMBinding{System: system, Mode: mode, Options: sc.TCMRunOptions})
	}

	return bindings
}

// Integration returns the link templates configured for provider.
func (c Config) Integration(provider string) (model.ProviderIntegration, bool) {
	i, ok := c.Providers[strings.ToLower(provider)]
	return i, ok
}

// Notifications returns the notification settings sent with the run
// registration, or nil if no target is configured.
func (c Config) Notifications() *model.NotificationsHTTP {
	n := c.Notification

	targets := []model.NotificationTargetHTTP{}
	if n.Emails != "" {
		targets = append(targets, model.NotificationTargetHTTP{Type: "EMAIL_RECIPIENTS", Value: n.Emails})
	}
	if n.SlackChannels != "" {
		targets = append(targets, model.NotificationTargetHTTP{Type: "SLACK_CHANNELS", Value: n.SlackChannels})
	}
	if n.MSTeamsChannels != "" {
		targets = append(targets, model.NotificationTargetHTTP{Type: "MS_TEAMS_CHANNELS", Value: n.MSTeamsChannels})
	}

	if len(targets) == 0 && !n.NotifyOnEachFailure {
		return nil
	}

	return &model.NotificationsHTTP{NotifyOnEachFailure: n.NotifyOnEachFailure, Targets: targets}
}

// Write renders c as yaml with the access token redacted.
func (c Config) Write(w io.Writer) error {
	if c.Server.AccessToken != "" {
		c.Server.AccessToken = "<redacted>"
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(c); err != nil {
		return err
	}

	return enc.Close()
}
