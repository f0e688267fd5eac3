package jsonreport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bytemomo/crawlbench/internal/domain"
)

const CampaignFile = "campaign.json"

type Writer struct {
	OutDir string // results root, e.g. ./results
}

func New(out string) *Writer { return &Writer{OutDir: out} }

// Save writes the pair record next to the crawler's own outputs.
func (w *Writer) Save(res domain.RunResult) error {
	dir := filepath.Join(w.OutDir, res.Crawler, res.Stand)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, domain.RunRecordName), res)
}

func (w *Writer) Aggregate(campaignID string, all []domain.RunResult) (string, error) {
	if err := os.MkdirAll(w.OutDir, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}
	var failed, timedOut int
	for _, r := range all {
		if r.Outcome == domain.OutcomeFailed {
			failed++
		}
		if r.TimedOut {
			timedOut++
		}
	}
	path := filepath.Join(w.OutDir, CampaignFile)
	return path, writeJSON(path, Campaign{
		Version:    "1.0",
		CampaignID: campaignID,
		Written:    time.Now().UTC(),
		Pairs:      len(all),
		Failed:     failed,
		TimedOut:   timedOut,
		Results:    all,
	})
}

// Campaign is the aggregate document written at the end of a run.
type Campaign struct {
	Version    string             `json:"version"`
	CampaignID string             `json:"campaign_id"`
	Written    time.Time          `json:"written"`
	Pairs      int                `json:"pairs"`
	Failed     int                `json:"failed"`
	TimedOut   int                `json:"timed_out"`
	Results    []domain.RunResult `json:"results"`
}

// ReadCampaign loads an aggregate written by Aggregate.
func ReadCampaign(path string) (*Campaign, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Campaign
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &c, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
