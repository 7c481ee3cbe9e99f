package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/goodtune/prerender-proxy/internal/upstream"
)

// GenerateTemplateConfig returns a starter configuration and, when path is
// non-empty, writes it there as YAML.
func GenerateTemplateConfig(path string) (Config, error) {
	cfg := Config{
		CrawlerUserAgents:  []string{},
		ExtensionsToIgnore: []string{},
		InterceptByDefault: true,

		ServiceURL:    "",
		ServiceToken:  "",
		ServiceFlavor: string(upstream.FlavorPrerender),
		SocketTimeout: 60000,

		Listen:        ":8080",
		MetricsListen: ":9180",
		Origin:        "http://127.0.0.1:3000",

		LogLevel:  "info",
		LogFormat: "json",
	}

	if path != "" {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to marshal template config to YAML: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return Config{}, fmt.Errorf("failed to write template config to file: %w", err)
		}
	}
	return cfg, nil
}
