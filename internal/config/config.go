// Package config loads prerender-proxy settings from flags, environment
// and an optional YAML file through viper.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/goodtune/prerender-proxy/internal/logging"
	"github.com/goodtune/prerender-proxy/internal/rules"
	"github.com/goodtune/prerender-proxy/internal/upstream"
)

// Config is the complete runtime configuration. List values accept either
// YAML sequences or comma-separated strings.
type Config struct {
	CrawlerUserAgents    []string `yaml:"crawler-user-agents"`
	ExtensionsToIgnore   []string `yaml:"extensions-to-ignore"`
	Whitelist            []string `yaml:"whitelist"`
	Blacklist            []string `yaml:"blacklist"`
	ForwardedURLHeader   string   `yaml:"forwarded-url-header"`
	Protocol             string   `yaml:"protocol" validate:"omitempty,oneof=http https"`
	PathsToStrip         []string `yaml:"paths-to-strip"`
	RenderRequestHeaders []string `yaml:"render-request-headers"`
	InterceptByDefault   bool     `yaml:"intercept-by-default"`

	ServiceURL     string `yaml:"service-url" validate:"omitempty,url"`
	ServiceToken   string `yaml:"service-token"`
	ServiceFlavor  string `yaml:"service-flavor" validate:"omitempty,oneof=prerender ajaxsnapshots"`
	OverrideAccept bool   `yaml:"override-accept"`
	// SocketTimeout bounds each renderer call, in milliseconds.
	SocketTimeout int `yaml:"socket-timeout" validate:"gte=0"`

	Proxy     string `yaml:"proxy"`
	ProxyPort int    `yaml:"proxy-port" validate:"required_with=Proxy,gte=0,lte=65535"`
	ProxyPAC  string `yaml:"proxy-pac" validate:"excluded_with=Proxy"`

	StripScripts bool `yaml:"strip-scripts"`

	Listen        string `yaml:"listen" validate:"required"`
	MetricsListen string `yaml:"metrics-listen"`
	Origin        string `yaml:"origin" validate:"required,url"`

	LogLevel  string `yaml:"log-level" validate:"oneof=debug info warn warning error"`
	LogFormat string `yaml:"log-format" validate:"oneof=json text"`
	LogFile   string `yaml:"log-file"`
	Syslog    bool   `yaml:"syslog"`
}

// SetDefaults registers a default for every key so that environment
// variables are honoured by Unmarshal.
func SetDefaults() {
	viper.SetDefault("crawler-user-agents", []string{})
	viper.SetDefault("extensions-to-ignore", []string{})
	viper.SetDefault("whitelist", []string{})
	viper.SetDefault("blacklist", []string{})
	viper.SetDefault("forwarded-url-header", "")
	viper.SetDefault("protocol", "")
	viper.SetDefault("paths-to-strip", []string{})
	viper.SetDefault("render-request-headers", []string{})
	viper.SetDefault("intercept-by-default", true)
	viper.SetDefault("service-url", "")
	viper.SetDefault("service-token", "")
	viper.SetDefault("service-flavor", string(upstream.FlavorPrerender))
	viper.SetDefault("override-accept", false)
	viper.SetDefault("socket-timeout", int(upstream.DefaultTimeout/time.Millisecond))
	viper.SetDefault("proxy", "")
	viper.SetDefault("proxy-port", 0)
	viper.SetDefault("proxy-pac", "")
	viper.SetDefault("strip-scripts", false)
	viper.SetDefault("listen", ":8080")
	viper.SetDefault("metrics-listen", ":9180")
	viper.SetDefault("origin", "")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "json")
	viper.SetDefault("log-file", "")
	viper.SetDefault("syslog", false)
}

// BuildConfigFromViper decodes and validates the global viper state.
func BuildConfigFromViper() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	for _, list := range []*[]string{
		&cfg.CrawlerUserAgents, &cfg.ExtensionsToIgnore, &cfg.Whitelist, &cfg.Blacklist,
		&cfg.PathsToStrip, &cfg.RenderRequestHeaders,
	} {
		*list = splitEach(*list)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// splitEach flattens comma-separated entries.
func splitEach(in []string) []string {
	var out []string
	for _, s := range in {
		out = append(out, rules.SplitList(s)...)
	}
	return out
}

// RuleOptions converts the classifier settings. Without explicit
// render-request headers the configured flavor's loop-guard header is used.
func (c *Config) RuleOptions() rules.Options {
	headers := c.RenderRequestHeaders
	if len(headers) == 0 {
		headers = []string{upstream.Flavor(c.ServiceFlavor).RenderRequestHeader()}
	}
	return rules.Options{
		CrawlerUserAgents:    c.CrawlerUserAgents,
		ExtensionsToIgnore:   c.ExtensionsToIgnore,
		Whitelist:            c.Whitelist,
		Blacklist:            c.Blacklist,
		ForwardedURLHeader:   c.ForwardedURLHeader,
		Protocol:             c.Protocol,
		PathsToStrip:         c.PathsToStrip,
		RenderRequestHeaders: headers,
		InterceptByDefault:   c.InterceptByDefault,
	}
}

// Service converts the renderer settings.
func (c *Config) Service() upstream.Service {
	return upstream.Service{
		BaseURL:        c.ServiceURL,
		Token:          c.ServiceToken,
		Timeout:        time.Duration(c.SocketTimeout) * time.Millisecond,
		OverrideAccept: c.OverrideAccept,
		Flavor:         upstream.Flavor(c.ServiceFlavor),
	}
}

// LoggingOptions converts the log sink settings.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:  c.LogLevel,
		Format: c.LogFormat,
		File:   c.LogFile,
		Syslog: c.Syslog,
	}
}

func (c *Config) LogValue() slog.Value {
	token := ""
	if c.ServiceToken != "" {
		token = "<redacted>"
	}
	return slog.GroupValue(
		slog.String("listen", c.Listen),
		slog.String("metrics_listen", c.MetricsListen),
		slog.String("origin", c.Origin),
		slog.String("service_url", c.ServiceURL),
		slog.String("service_flavor", c.ServiceFlavor),
		slog.String("service_token", token),
		slog.Int("socket_timeout_ms", c.SocketTimeout),
		slog.Bool("intercept_by_default", c.InterceptByDefault),
		slog.Any("crawler_user_agents", c.CrawlerUserAgents),
		slog.Any("whitelist", c.Whitelist),
		slog.Any("blacklist", c.Blacklist),
		slog.String("forwarded_url_header", c.ForwardedURLHeader),
		slog.String("proxy", c.Proxy),
		slog.Int("proxy_port", c.ProxyPort),
		slog.String("proxy_pac", c.ProxyPAC),
		slog.Bool("strip_scripts", c.StripScripts),
	)
}
