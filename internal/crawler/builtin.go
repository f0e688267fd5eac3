package crawler

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"bytemomo/crawlbench/internal/domain"
)

// Install locations of the bundled crawlers, relative to Settings.CrawlersDir.
const (
	htcapDir    = "htcap"
	crawljaxDir = "crawljax/crawljax-cli-5.2.3"
	crawljaxJar = "./crawljax-cli-5.2.3.jar"
	arachniDir  = "arachni-1.6.1.3-0.6.1.1"
	w3afDir     = "w3af"
)

// arachniNoChecks matches no arachni check, so it only crawls.
const arachniNoChecks = "inexiste*eeeeentabcd"

// Settings locate the installed crawlers.
type Settings struct {
	CrawlersDir string
	// HtcapPageTimeout is passed as htcap -t when positive.
	HtcapPageTimeout int
	// W3afProfileTemplate is resolved against CrawlersDir when relative.
	W3afProfileTemplate string
}

// SettingsFrom extracts crawler settings from a loaded campaign.
func SettingsFrom(c *domain.Campaign) Settings {
	return Settings{
		CrawlersDir:         c.Runner.CrawlersDir,
		HtcapPageTimeout:    c.Runner.HtcapPageTimeout,
		W3afProfileTemplate: c.Runner.W3afProfileTemplate,
	}
}

func (s Settings) path(elem ...string) string {
	return filepath.Join(append([]string{s.CrawlersDir}, elem...)...)
}

func (s Settings) w3afTemplate() string {
	t := s.W3afProfileTemplate
	if t == "" {
		t = domain.DefaultW3afProfileTemplate
	}
	if filepath.IsAbs(t) {
		return t
	}
	return s.path(t)
}

// Builtin returns the bundled crawler kinds in their campaign order.
func Builtin(s Settings) *Registry {
	r := NewRegistry()
	for _, k := range []Kind{
		{ID: Htcap, Build: s.htcap, Stop: StopPolicy{Repeat: 2, Interval: 500 * time.Millisecond}},
		{ID: Crawljax, Build: s.crawljax, Stop: DefaultStop},
		{ID: Wget, Prepare: mkdir("downloads"), Build: s.wget, Stop: DefaultStop},
		{ID: Arachni, Build: s.arachni, Stop: StopPolicy{Repeat: 1, Linger: 2 * time.Second}},
		{ID: W3af, Prepare: s.w3afProfile, Build: s.w3af, Stop: DefaultStop},
		{ID: EnemyOfTheState, Prepare: mkdir("output"), Build: s.enemyOfTheState, Stop: DefaultStop},
	} {
		if err := r.Register(k); err != nil {
			panic(err)
		}
	}
	return r
}

func mkdir(name string) func(rc domain.RunContext) error {
	return func(rc domain.RunContext) error {
		return os.MkdirAll(rc.Path(name), 0o755)
	}
}

// results returns an absolute path inside the run's results directory; the
// crawlers run from their own install directories.
func results(rc domain.RunContext, name string) (string, error) {
	p, err := filepath.Abs(rc.Path(name))
	if err != nil {
		return "", fmt.Errorf("resolve results path: %w", err)
	}
	return p, nil
}

func (s Settings) htcap(rc domain.RunContext) (Command, error) {
	out, err := results(rc, "output.db")
	if err != nil {
		return Command{}, err
	}
	argv := []string{"python3.6", "htcap.py", "crawl", "-q", "-v"}
	if s.HtcapPageTimeout > 0 {
		argv = append(argv, "-t", strconv.Itoa(s.HtcapPageTimeout))
	}
	argv = append(argv, rc.URL, out)
	return Command{Argv: argv, Dir: s.path(htcapDir)}, nil
}

func (s Settings) crawljax(rc domain.RunContext) (Command, error) {
	out, err := results(rc, "output")
	if err != nil {
		return Command{}, err
	}
	return Command{
		Argv: []string{
			"java", "-jar", crawljaxJar,
			"-b", "CHROME_HEADLESS",
			"-t", strconv.Itoa(minutes(rc.Timeout)),
			rc.URL, out,
		},
		Dir: s.path(crawljaxDir),
	}, nil
}

func (s Settings) wget(rc domain.RunContext) (Command, error) {
	dir, err := results(rc, "downloads")
	if err != nil {
		return Command{}, err
	}
	return Command{Argv: []string{"wget", "-nv", "-r", rc.URL}, Dir: dir}, nil
}

func (s Settings) arachni(rc domain.RunContext) (Command, error) {
	report, err := results(rc, "report.afr")
	if err != nil {
		return Command{}, err
	}
	return Command{
		Argv: []string{
			"./bin/arachni",
			"--timeout", hms(rc.Timeout),
			"--daemon-friendly",
			"--report-save-path", report,
			"--checks", arachniNoChecks,
			rc.URL,
		},
		Dir: s.path(arachniDir),
	}, nil
}

func (s Settings) w3afProfile(rc domain.RunContext) error {
	out, err := results(rc, "profile.pw3af")
	if err != nil {
		return err
	}
	return RenderProfile(s.w3afTemplate(), out, ProfileData{TargetURL: rc.URL, ResultsDir: rc.ResultsDir})
}

func (s Settings) w3af(rc domain.RunContext) (Command, error) {
	profile, err := results(rc, "profile.pw3af")
	if err != nil {
		return Command{}, err
	}
	return Command{
		Argv: []string{"env/bin/python", "w3af_console", "-P", profile},
		Dir:  s.path(w3afDir),
	}, nil
}

func (s Settings) enemyOfTheState(rc domain.RunContext) (Command, error) {
	out, err := results(rc, "output")
	if err != nil {
		return Command{}, err
	}
	return Command{
		Argv: []string{
			"docker", "run", "--net", "host", "--rm",
			"-v", out + ":/output",
			"enemy-of-the-state",
			"jython", "crawler2.py", "-F", "-d", "/output/requests",
			rc.URL,
		},
	}, nil
}

// minutes rounds up so a short timeout never becomes zero.
func minutes(d time.Duration) int {
	m := int((d + time.Minute - 1) / time.Minute)
	if m < 1 {
		return 1
	}
	return m
}

// hms renders d as H:MM:SS with unbounded hours.
func hms(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}
