package yamlconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"bytemomo/crawlbench/internal/domain"

	"github.com/go-json-experiment/json"
	"gopkg.in/yaml.v3"
)

// CrawlerSetFile is the optional crawler filter read from the configuration
// directory.
const CrawlerSetFile = "crawler-set.json"

// DefaultProxyDir is where the proxy binary is run from, relative to the
// configuration directory.
const DefaultProxyDir = "../recordproxy"

// LoadCampaign reads, defaults and validates the stands configuration.
// Relative paths inside it are resolved against the file's directory.
func LoadCampaign(path string) (*domain.Campaign, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, domain.E("config.load", domain.ErrConfig, err)
	}

	var campaign domain.Campaign
	if err := yaml.Unmarshal(data, &campaign); err != nil {
		return nil, domain.E("config.load", domain.ErrConfig, fmt.Errorf("failed to parse %s: %w", abs, err))
	}
	campaign.ConfigPath = abs
	applyDefaults(&campaign, filepath.Dir(abs))

	if err := campaign.Validate(); err != nil {
		return nil, err
	}
	return &campaign, nil
}

func applyDefaults(c *domain.Campaign, base string) {
	r := &c.Runner
	if r.Timeout == 0 {
		r.Timeout = domain.DefaultTimeout
	}
	r.ResultsDir = resolve(base, r.ResultsDir, domain.DefaultResultsDir)
	r.CrawlersDir = resolve(base, r.CrawlersDir, domain.DefaultCrawlersDir)
	if r.W3afProfileTemplate == "" {
		r.W3afProfileTemplate = domain.DefaultW3afProfileTemplate
	}

	p := &r.Proxy
	p.Dir = resolve(base, p.Dir, DefaultProxyDir)
	if p.Executable == "" {
		p.Executable = domain.DefaultProxyExecutable
	}
	if p.Port == 0 {
		p.Port = domain.DefaultProxyPort
	}
	if p.ReadinessTimeout == 0 {
		p.ReadinessTimeout = domain.DefaultReadinessTimeout
	}

	for i := range c.Stands {
		if c.Stands[i].Path == "" {
			c.Stands[i].Path = "/"
		}
	}
}

func resolve(base, p, def string) string {
	if p == "" {
		p = def
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// LoadCrawlerSet reads a JSON array of crawler names. A missing file means
// no filter and yields nil.
func LoadCrawlerSet(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.E("config.crawler_set", domain.ErrConfig, err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, domain.E("config.crawler_set", domain.ErrConfig, fmt.Errorf("failed to parse %s: %w", path, err))
	}
	return normalize(names), nil
}

// CrawlerFilter resolves the crawler filter for a campaign: an explicit list
// wins over the crawler-set file beside the configuration.
func CrawlerFilter(c *domain.Campaign, explicit []string) ([]string, error) {
	if names := normalize(explicit); len(names) > 0 {
		return names, nil
	}
	return LoadCrawlerSet(filepath.Join(filepath.Dir(c.ConfigPath), CrawlerSetFile))
}

func normalize(names []string) []string {
	var out []string
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
