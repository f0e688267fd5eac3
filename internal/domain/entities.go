package domain

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Login describes a form login the recording proxy performs to harvest
// session cookies for a stand.
type Login struct {
	URL  string            `yaml:"url"`
	Form map[string]string `yaml:"form"`
}

// Cookies are injected by the recording proxy into every request to a stand.
type Cookies struct {
	Values map[string]string `yaml:"values,omitempty"`
	Login  *Login            `yaml:"login,omitempty"`
}

// Stand is one test application the crawlers are pointed at.
type Stand struct {
	Name      string   `yaml:"-"`
	Path      string   `yaml:"path,omitempty"`
	Port      int      `yaml:"port,omitempty"`
	Cookies   Cookies  `yaml:"cookies,omitempty"`
	StripURLs []string `yaml:"strip_urls,omitempty"`
}

// Stands keeps the order in which stands appear in the configuration
// document; the campaign iterates them in that order.
type Stands []Stand

// UnmarshalYAML decodes a mapping of stand name to stand definition.
func (s *Stands) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: stands must be a mapping", node.Line)
	}
	out := make(Stands, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		var st Stand
		// "dvwa:" with no body decodes as a null node
		if val.Tag != "!!null" {
			if err := val.Decode(&st); err != nil {
				return fmt.Errorf("stand %q: %w", key.Value, err)
			}
		}
		st.Name = key.Value
		out = append(out, st)
	}
	*s = out
	return nil
}

// Get returns the stand with the given name.
func (s Stands) Get(name string) (Stand, bool) {
	for _, st := range s {
		if st.Name == name {
			return st, true
		}
	}
	return Stand{}, false
}

// Names returns stand names in campaign order.
func (s Stands) Names() []string {
	names := make([]string, len(s))
	for i, st := range s {
		names[i] = st.Name
	}
	return names
}

// ProxyConfig describes how the recording proxy binary is launched.
type ProxyConfig struct {
	Executable       string        `yaml:"executable,omitempty"`
	Dir              string        `yaml:"dir,omitempty"`
	BindHost         string        `yaml:"bind_host,omitempty"`
	Port             int           `yaml:"port,omitempty"`
	ReadinessTimeout time.Duration `yaml:"readiness_timeout,omitempty"`
}

// RunnerConfig holds the campaign-wide execution settings.
type RunnerConfig struct {
	Timeout             time.Duration `yaml:"timeout,omitempty"`
	ResultsDir          string        `yaml:"results_dir,omitempty"`
	CrawlersDir         string        `yaml:"crawlers_dir,omitempty"`
	HtcapPageTimeout    int           `yaml:"htcap_page_timeout,omitempty"`
	W3afProfileTemplate string        `yaml:"w3af_profile_template,omitempty"`
	Proxy               ProxyConfig   `yaml:"proxy,omitempty"`
}

// Campaign is the immutable configuration of one crawlbench invocation.
type Campaign struct {
	// ConfigPath is the file the campaign was loaded from; the proxy is
	// handed the same document.
	ConfigPath string       `yaml:"-"`
	DNSSuffix  string       `yaml:"dns_suffix,omitempty"`
	StandsAddr string       `yaml:"stands_addr,omitempty"`
	Stands     Stands       `yaml:"stands"`
	Runner     RunnerConfig `yaml:"runner,omitempty"`
}

// Hostname returns the stand name with the optional DNS suffix applied.
func (c *Campaign) Hostname(stand string) string {
	if c.DNSSuffix == "" {
		return stand
	}
	return stand + "." + c.DNSSuffix
}

// TargetURL builds the absolute URL crawlers are started with.
func (c *Campaign) TargetURL(st Stand) string {
	path := st.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("http://%s%s", c.Hostname(st.Name), path)
}

// ProbeHost is where the proxy is expected to accept connections.
func (c *Campaign) ProbeHost() string {
	if c.Runner.Proxy.BindHost != "" {
		return c.Runner.Proxy.BindHost
	}
	if c.StandsAddr != "" {
		return c.StandsAddr
	}
	return "127.0.0.1"
}
