package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTimeout             = 6 * time.Hour
	DefaultProxyExecutable     = "./recordproxy"
	DefaultProxyPort           = 8000
	DefaultReadinessTimeout    = time.Minute
	DefaultResultsDir          = "results"
	DefaultCrawlersDir         = "../crawlers"
	DefaultW3afProfileTemplate = "w3af_spider_template.pw3af"
)

// Validate checks the campaign before any pair runs.
func (c *Campaign) Validate() error {
	if len(c.Stands) == 0 {
		return E("campaign.validate", ErrConfig, fmt.Errorf("no stands configured"))
	}
	seen := make(map[string]struct{}, len(c.Stands))
	for _, st := range c.Stands {
		if err := st.Validate(); err != nil {
			return E("campaign.validate", ErrConfig, err)
		}
		if _, dup := seen[st.Name]; dup {
			return E("campaign.validate", ErrConfig, fmt.Errorf("stand %q declared twice", st.Name))
		}
		seen[st.Name] = struct{}{}
	}
	if p := c.Runner.Proxy.Port; p < 0 || p > 65535 {
		return E("campaign.validate", ErrConfig, fmt.Errorf("runner.proxy.port %d out of range", p))
	}
	if c.Runner.Timeout < 0 {
		return E("campaign.validate", ErrConfig, fmt.Errorf("runner.timeout must not be negative"))
	}
	return nil
}

// Validate checks a single stand definition.
func (s Stand) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("stand name is empty")
	}
	if s.Path != "" && !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("stand %q: path %q must start with /", s.Name, s.Path)
	}
	if s.Cookies.Login != nil && s.Cookies.Login.URL == "" {
		return fmt.Errorf("stand %q: cookies.login.url is required", s.Name)
	}
	return nil
}

// EffectiveTimeout returns the global run timeout with the default applied.
func (r RunnerConfig) EffectiveTimeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// EffectivePort returns the proxy listen port with the default applied.
func (p ProxyConfig) EffectivePort() int {
	if p.Port == 0 {
		return DefaultProxyPort
	}
	return p.Port
}
