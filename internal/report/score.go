// Package report compares crawler coverage across stands from the request
// logs recorded by the proxy.
package report

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/sirupsen/logrus"
)

// Missing marks a stand/crawler cell without a request log.
const Missing = -1

// WivetStand is scored by hidden link markers instead of distinct URLs.
const WivetStand = "wivet"

// WivetMarkers are the WIVET inner pages a crawler has to reach.
var WivetMarkers = []string{
	"1_12c3b", "1_25e2a", "2_1f84b", "2_2b7a3", "3_45589", "4_1c3f8",
	"5_1e4d2", "6_14b3c", "7_16a9c", "8_1b6e1", "8_2b6f1",
	"9_10ee31", "9_11ee31", "9_12ee31", "9_13ee31", "9_14ee31", "9_15ee31",
	"9_16ee31", "9_17ee31", "9_18ee31", "9_19ee31", "9_1a1b2", "9_20ee31",
	"9_21ee31", "9_22ee31", "9_23ee31", "9_24ee31", "9_25ee31", "9_26dd2e",
	"9_2ff21", "9_3a2b7", "9_4b82d", "9_5ee31", "9_6ee31", "9_7ee31",
	"9_8ee31", "9_9ee31",
	"10_17d77", "11_1f2e4", "11_2d3ff", "12_1a2cf", "12_2a2cf", "12_3a2cf",
	"13_10ad3", "13_25af3", "14_1eeab", "15_1c95a", "16_1b14f", "16_2f41a",
	"17_143ef", "17_2da76", "18_1a2f3", "19_1f52a", "19_2e3a2", "20_1e833",
	"21_1f822",
}

// Request is the part of a recorded request the scores look at.
type Request struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// ReadRequests decodes a newline-delimited request log. Lines that do not
// decode are skipped and counted.
func ReadRequests(r io.Reader) (reqs []Request, skipped int, err error) {
	br := bufio.NewReader(r)
	for {
		line, rerr := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var req Request
			if err := json.Unmarshal(line, &req, json.RejectUnknownMembers(false)); err != nil || req.URL == "" {
				skipped++
			} else {
				reqs = append(reqs, req)
			}
		}
		if rerr == io.EOF {
			return reqs, skipped, nil
		}
		if rerr != nil {
			return reqs, skipped, fmt.Errorf("read request log: %w", rerr)
		}
	}
}

// Score rates one crawler's requests against one stand.
func Score(stand string, reqs []Request) int {
	if stand == WivetStand {
		return wivetScore(reqs)
	}
	seen := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		seen[r.URL] = struct{}{}
	}
	return len(seen)
}

func wivetScore(reqs []Request) int {
	score := 0
	for _, m := range WivetMarkers {
		page := "/innerpages/" + m + ".php"
		for _, r := range reqs {
			if strings.Contains(r.URL, page) {
				score++
				break
			}
		}
	}
	return score
}

// ScoreFile scores the request log at path. A missing log yields Missing.
func ScoreFile(stand, path string, log *logrus.Entry) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Missing, nil
	}
	if err != nil {
		return Missing, err
	}
	defer f.Close()

	reqs, skipped, err := ReadRequests(f)
	if err != nil {
		return Missing, err
	}
	if skipped > 0 && log != nil {
		log.WithFields(logrus.Fields{"path": path, "skipped": skipped}).Warn("Skipped malformed request records")
	}
	return Score(stand, reqs), nil
}
