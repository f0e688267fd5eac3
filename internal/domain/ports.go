package domain

import "context"

// ResultRepo persists the result of a single pair.
type ResultRepo interface {
	Save(res RunResult) error
}

// ReportWriter aggregates all pair results of a campaign.
type ReportWriter interface {
	Aggregate(campaignID string, all []RunResult) (string, error)
}

// ProxyLauncher starts the recording proxy for one pair. Start must not
// return before the proxy accepts connections.
type ProxyLauncher interface {
	Start(ctx context.Context, outputFile, stand string) (ProxyHandle, error)
}

// ProxyHandle stops a running proxy: terminate, then wait without escalation.
type ProxyHandle interface {
	Stop(ctx context.Context) (ExitStatus, error)
}
