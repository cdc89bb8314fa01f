package tools

import (
	"os"
	"path/filepath"

	yaml "go.yaml.in/yaml/v3"
)

type ghHost struct {
	OauthToken string `yaml:"oauth_token"`
}

// GHToken reads the oauth token from hermit's own gh config (not the
// user's). Returns "" when no usable token exists.
func GHToken(toolConfigDir string) string {
	b, err := os.ReadFile(filepath.Join(toolConfigDir, "gh", "hosts.yml"))
	if err != nil {
		return ""
	}
	var hosts map[string]ghHost
	if err := yaml.Unmarshal(b, &hosts); err != nil {
		return ""
	}
	for _, h := range hosts {
		if h.OauthToken != "" {
			return h.OauthToken
		}
	}
	return ""
}
