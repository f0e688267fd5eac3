package main

import (
	"fmt"
	"os"

	"bytemomo/crawlbench/internal/report"

	"github.com/sirupsen/logrus"
)

type TableCmd struct {
	Results  string   `default:"./results" type:"path" help:"Results directory of a campaign."`
	Stands   []string `help:"Stands to show, in row order. Defaults to every stand found."`
	Crawlers []string `help:"Crawlers to show, in column order. Defaults to every crawler found."`
	Latex    bool     `help:"Also print a LaTeX tabular."`
	Caption  string   `default:"Unique endpoints per application and tool" help:"LaTeX table caption."`
}

func (c *TableCmd) Run() error {
	log := logrus.WithField("results", c.Results)

	crawlers, stands, err := report.Discover(c.Results)
	if err != nil {
		return err
	}
	if len(c.Crawlers) > 0 {
		crawlers = c.Crawlers
	}
	if len(c.Stands) > 0 {
		stands = c.Stands
	}
	if len(crawlers) == 0 || len(stands) == 0 {
		return fmt.Errorf("no results found in %s", c.Results)
	}

	tbl, err := report.Build(c.Results, stands, crawlers, log)
	if err != nil {
		return err
	}
	fmt.Println(tbl.Render())
	if c.Latex {
		fmt.Println()
		return tbl.WriteLaTeX(os.Stdout, c.Caption)
	}
	return nil
}
