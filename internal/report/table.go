package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"bytemomo/crawlbench/internal/domain"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/sirupsen/logrus"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	bestStyle   = cellStyle.Foreground(lipgloss.Color("#00D26A")).Bold(true)
	mutedStyle  = cellStyle.Foreground(lipgloss.Color("#6B7280"))
)

// Table holds one score per stand (row) and crawler (column).
type Table struct {
	Stands   []string
	Crawlers []string
	Scores   [][]int
}

// Discover lists the crawler and stand directories present under a results
// root, sorted.
func Discover(resultsDir string) (crawlers, stands []string, err error) {
	entries, err := os.ReadDir(resultsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("read results dir: %w", err)
	}
	seen := map[string]bool{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		crawlers = append(crawlers, e.Name())
		sub, err := os.ReadDir(filepath.Join(resultsDir, e.Name()))
		if err != nil {
			return nil, nil, fmt.Errorf("read crawler dir: %w", err)
		}
		for _, s := range sub {
			if s.IsDir() && !seen[s.Name()] {
				seen[s.Name()] = true
				stands = append(stands, s.Name())
			}
		}
	}
	slices.Sort(crawlers)
	slices.Sort(stands)
	return crawlers, stands, nil
}

// Build scores every stand/crawler pair from the request logs under
// resultsDir. Missing logs become Missing cells.
func Build(resultsDir string, stands, crawlers []string, log *logrus.Entry) (*Table, error) {
	t := &Table{Stands: stands, Crawlers: crawlers, Scores: make([][]int, len(stands))}
	for i, st := range stands {
		t.Scores[i] = make([]int, len(crawlers))
		for j, cr := range crawlers {
			path := filepath.Join(resultsDir, cr, st, domain.RequestLogName)
			score, err := ScoreFile(st, path, log)
			if err != nil {
				return nil, fmt.Errorf("score %s/%s: %w", cr, st, err)
			}
			t.Scores[i][j] = score
		}
	}
	return t, nil
}

// RowMax returns the best score of a stand, or Missing if it has none.
func (t *Table) RowMax(row int) int {
	best := Missing
	for _, s := range t.Scores[row] {
		best = max(best, s)
	}
	return best
}

func (t *Table) isBest(row, col int) bool {
	s := t.Scores[row][col]
	return s != Missing && s == t.RowMax(row)
}

func cell(score int) string {
	if score == Missing {
		return "N/A"
	}
	return strconv.Itoa(score)
}

// Render draws the table for a terminal, highlighting each row's best score.
func (t *Table) Render() string {
	rows := make([][]string, len(t.Stands))
	for i, st := range t.Stands {
		rows[i] = append([]string{st}, make([]string, len(t.Crawlers))...)
		for j := range t.Crawlers {
			rows[i][j+1] = cell(t.Scores[i][j])
		}
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(append([]string{"Stand"}, t.Crawlers...)...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 0:
				return cellStyle
			case t.Scores[row][col-1] == Missing:
				return mutedStyle
			case t.isBest(row, col-1):
				return bestStyle
			default:
				return cellStyle
			}
		})
	return tbl.String()
}

// WriteLaTeX writes the table as a LaTeX tabular with the best score of each
// row in bold.
func (t *Table) WriteLaTeX(w io.Writer, caption string) error {
	var b strings.Builder
	b.WriteString("\\begin{table}\n")
	fmt.Fprintf(&b, "    \\caption{%s}\n", latexEscape(caption))
	b.WriteString("    \\centering\n")
	fmt.Fprintf(&b, "    \\begin{tabular}{|%s|}\n", strings.Join(slices.Repeat([]string{"c"}, len(t.Crawlers)+1), "|"))
	b.WriteString("       \\hline\n")

	head := []string{"Name"}
	for _, c := range t.Crawlers {
		head = append(head, latexEscape(c))
	}
	fmt.Fprintf(&b, "       %s \\\\\n", strings.Join(head, " & "))
	b.WriteString("       \\hline\\hline\n")

	for i, st := range t.Stands {
		row := []string{latexEscape(st)}
		for j := range t.Crawlers {
			v := cell(t.Scores[i][j])
			if t.isBest(i, j) {
				v = "\\textbf{" + v + "}"
			}
			row = append(row, v)
		}
		fmt.Fprintf(&b, "       %s \\\\\n", strings.Join(row, " & "))
		b.WriteString("       \\hline\n")
	}
	b.WriteString("    \\end{tabular}\n\\end{table}\n")

	_, err := io.WriteString(w, b.String())
	return err
}

var latexReplacer = strings.NewReplacer(`\`, `\textbackslash{}`, `&`, `\&`, `%`, `\%`, `_`, `\_`, `#`, `\#`, `$`, `\$`, `{`, `\{`, `}`, `\}`)

func latexEscape(s string) string { return latexReplacer.Replace(s) }
