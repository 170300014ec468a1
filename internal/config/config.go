package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the immutable runtime configuration, built once at startup from
// AR_-prefixed environment variables and passed by reference into each
// component.
type Settings struct {
	DatabaseURL     string
	AllowedOrigins  []string
	StudiesConfig   string
	AdminUsername   string
	AdminPassword   string
	FrontendBaseURL string
	RootPath        string
	Addr            string
	JWTSecret       string
	Debug           bool
}

// Load reads the environment. Missing required values are returned as an
// error; the caller treats that as fatal.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("AR")
	v.AutomaticEnv()
	v.SetDefault("addr", ":8080")
	v.SetDefault("root_path", "")
	v.SetDefault("jwt_secret", "audiorating-dev-secret")
	v.SetDefault("debug", false)

	s := &Settings{
		DatabaseURL:     strings.TrimSpace(v.GetString("database_url")),
		StudiesConfig:   strings.TrimSpace(v.GetString("studies_config")),
		AdminUsername:   v.GetString("admin_username"),
		AdminPassword:   v.GetString("admin_password"),
		FrontendBaseURL: strings.TrimRight(strings.TrimSpace(v.GetString("frontend_base_url")), "/"),
		RootPath:        normalizeRootPath(v.GetString("root_path")),
		Addr:            v.GetString("addr"),
		JWTSecret:       v.GetString("jwt_secret"),
		Debug:           v.GetBool("debug"),
	}

	var missing []string
	if s.DatabaseURL == "" {
		missing = append(missing, "AR_DATABASE_URL")
	}
	if s.StudiesConfig == "" {
		missing = append(missing, "AR_STUDIES_CONFIG")
	}
	if s.AdminUsername == "" {
		missing = append(missing, "AR_ADMIN_USERNAME")
	}
	if s.AdminPassword == "" {
		missing = append(missing, "AR_ADMIN_PASSWORD")
	}

	origins, err := parseOrigins(v.GetString("allowed_origins"))
	if err != nil {
		return nil, err
	}
	if len(origins) == 0 {
		missing = append(missing, "AR_ALLOWED_ORIGINS")
	}
	s.AllowedOrigins = origins

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return s, nil
}

// parseOrigins accepts either a JSON array ("[\"https://a\"]") or a
// comma-separated list.
func parseOrigins(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("AR_ALLOWED_ORIGINS is not a valid JSON array: %w", err)
		}
	} else {
		out = strings.Split(raw, ",")
	}
	cleaned := make([]string, 0, len(out))
	for _, o := range out {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			cleaned = append(cleaned, o)
		}
	}
	return cleaned, nil
}

func normalizeRootPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

// OriginAllowed reports whether the given Origin header value is in the
// configured allow-list. Localhost origins are always accepted so local
// frontend development works without extra configuration.
func (s *Settings) OriginAllowed(origin string) bool {
	origin = strings.TrimRight(origin, "/")
	if origin == "" {
		return false
	}
	for _, o := range s.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	for _, host := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "http://[::1]"} {
		if origin == host || strings.HasPrefix(origin, host+":") {
			return true
		}
	}
	return false
}
