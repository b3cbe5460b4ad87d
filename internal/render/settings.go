package render

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Settings is the read-only site snapshot the renderer works from.
type Settings struct {
	SiteTitle       string `yaml:"site_title"`
	SiteURL         string `yaml:"site_url"`
	Locale          string `yaml:"locale"`
	Timezone        string `yaml:"timezone"`
	Currency        string `yaml:"currency"`
	AccentColor     string `yaml:"accent_color"`
	FooterContent   string `yaml:"footer_content"`
	TrackingBaseURL string `yaml:"tracking_base_url"`
	OpenTracking    bool   `yaml:"open_tracking"`
	// Layout overrides the built-in liquid layout when set.
	Layout string `yaml:"layout"`

	MembersSigningKey string `yaml:"-"`
}

// LoadSettings reads a YAML settings file. A missing path yields defaults.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	if strings.TrimSpace(path) == "" {
		return s.withDefaults(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read site settings: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse site settings: %w", err)
	}

	return s.withDefaults(), nil
}

func (s Settings) withDefaults() Settings {
	if s.Locale == "" {
		s.Locale = "en"
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.Currency == "" {
		s.Currency = "USD"
	}
	if s.AccentColor == "" {
		s.AccentColor = "#15212A"
	}
	s.SiteURL = strings.TrimRight(s.SiteURL, "/")
	s.TrackingBaseURL = strings.TrimRight(s.TrackingBaseURL, "/")
	return s
}

func (s Settings) Validate() error {
	if _, err := url.ParseRequestURI(s.SiteURL); err != nil || s.SiteURL == "" {
		return fmt.Errorf("invalid site url %q", s.SiteURL)
	}
	if s.TrackingBaseURL != "" {
		if _, err := url.ParseRequestURI(s.TrackingBaseURL); err != nil {
			return fmt.Errorf("invalid tracking base url %q", s.TrackingBaseURL)
		}
	}
	if _, err := language.Parse(s.Locale); err != nil {
		return fmt.Errorf("invalid locale %q: %w", s.Locale, err)
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	if _, err := currency.ParseISO(s.Currency); err != nil {
		return fmt.Errorf("invalid currency %q: %w", s.Currency, err)
	}
	if strings.TrimSpace(s.MembersSigningKey) == "" {
		return fmt.Errorf("members signing key is required")
	}
	return nil
}
