package jsonreport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bytemomo/crawlbench/internal/domain"
)

var _ domain.ResultRepo = (*Writer)(nil)
var _ domain.ReportWriter = (*Writer)(nil)

func TestSaveWritesRunRecord(t *testing.T) {
	dir := t.TempDir()
	w := New(dir)

	res := domain.RunResult{
		CampaignID:  "c1",
		Crawler:     "wget",
		Stand:       "dvwa",
		Outcome:     domain.OutcomeSuccess,
		Escalation:  domain.EscalationNone,
		CrawlerExit: &domain.ExitStatus{Code: 0},
	}
	res.Started = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res.Finish(res.Started.Add(1500 * time.Millisecond))

	if err := w.Save(res); err != nil {
		t.Fatalf("Save: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "wget", "dvwa", domain.RunRecordName))
	if err != nil {
		t.Fatalf("read run record: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["outcome"] != "success" || got["elapsed_seconds"] != 1.5 {
		t.Errorf("unexpected record %v", got)
	}
	if _, ok := got["proxy_exit"]; ok {
		t.Error("nil proxy_exit must be omitted")
	}
}

func TestAggregate(t *testing.T) {
	dir := t.TempDir()
	w := New(dir)
	all := []domain.RunResult{
		{Crawler: "wget", Stand: "dvwa", Outcome: domain.OutcomeSuccess, TimedOut: true},
		{Crawler: "wget", Stand: "wivet", Outcome: domain.OutcomeFailed, Error: "spawn failed"},
	}

	path, err := w.Aggregate("c1", all)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if path != filepath.Join(dir, CampaignFile) {
		t.Errorf("unexpected path %s", path)
	}

	c, err := ReadCampaign(path)
	if err != nil {
		t.Fatalf("ReadCampaign: %v", err)
	}
	if c.CampaignID != "c1" || c.Pairs != 2 || c.Failed != 1 || c.TimedOut != 1 {
		t.Errorf("unexpected summary %+v", c)
	}
	if len(c.Results) != 2 || c.Results[1].Error != "spawn failed" {
		t.Errorf("unexpected results %+v", c.Results)
	}
}
