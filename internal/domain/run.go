package domain

import (
	"fmt"
	"path/filepath"
	"time"
)

// ExitStatus is the final state of a supervised process.
type ExitStatus struct {
	// Code is -1 when the process was terminated by a signal.
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Signaled reports whether a signal ended the process.
func (s ExitStatus) Signaled() bool { return s.Signal != "" }

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool { return s.Code == 0 && s.Signal == "" }

func (s ExitStatus) String() string {
	if s.Signaled() {
		return "signal " + s.Signal
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// Escalation is the last stop step a crawler needed before it exited.
type Escalation string

const (
	EscalationNone      Escalation = "none"
	EscalationInterrupt Escalation = "interrupt"
	EscalationTerminate Escalation = "terminate"
	EscalationKill      Escalation = "kill"
)

// Outcome of one pair run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// RunContext is one (crawler, stand) pairing.
type RunContext struct {
	CampaignID string
	Crawler    string
	Stand      Stand
	URL        string
	ResultsDir string
	// Timeout is the global run timeout; some crawlers receive it as a flag.
	Timeout  time.Duration
	Started  time.Time
	// Deadline is when the crawler gets stopped: spawn time plus timeout and
	// grace. Zero until the crawler is running.
	Deadline time.Time
}

// Path returns a file path inside the run's results directory.
func (rc RunContext) Path(name ...string) string {
	return filepath.Join(append([]string{rc.ResultsDir}, name...)...)
}

// RequestLogPath is where the proxy records the run's requests.
func (rc RunContext) RequestLogPath() string { return rc.Path(RequestLogName) }

// Files written into every run directory.
const (
	RequestLogName = "requests.ndjson"
	StdoutLogName  = "out.log"
	StderrLogName  = "err.log"
	RunRecordName  = "run.json"
)

// RunResult records timing and outcome of a pair.
type RunResult struct {
	CampaignID     string        `json:"campaign_id"`
	Crawler        string        `json:"crawler"`
	Stand          string        `json:"stand"`
	URL            string        `json:"url"`
	ResultsDir     string        `json:"results_dir"`
	Started        time.Time     `json:"started"`
	Finished       time.Time     `json:"finished"`
	CrawlerExited  time.Time     `json:"crawler_exited,omitzero"`
	ProxyStopped   time.Time     `json:"proxy_stopped,omitzero"`
	Elapsed        time.Duration `json:"-"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	Outcome        Outcome       `json:"outcome"`
	TimedOut       bool          `json:"timed_out"`
	Escalation     Escalation    `json:"escalation"`
	CrawlerExit    *ExitStatus   `json:"crawler_exit,omitempty"`
	ProxyExit      *ExitStatus   `json:"proxy_exit,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Finish stamps the end time and elapsed duration.
func (r *RunResult) Finish(now time.Time) {
	r.Finished = now
	r.Elapsed = now.Sub(r.Started)
	r.ElapsedSeconds = r.Elapsed.Seconds()
}

// Fail marks the pair failed with the given error.
func (r *RunResult) Fail(err error) {
	r.Outcome = OutcomeFailed
	if err != nil {
		if r.Error != "" {
			r.Error += "; "
		}
		r.Error += err.Error()
	}
}
