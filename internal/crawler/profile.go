package crawler

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// ProfileData is the template context for crawler profiles.
type ProfileData struct {
	TargetURL  string
	ResultsDir string
}

// TargetPlaceholder is replaced verbatim with the target URL.
const TargetPlaceholder = "{{TARGET_URL}}"

// RenderProfile fills a profile template and writes it to outPath. The
// TargetPlaceholder is substituted literally, so any other "{{" in the
// profile is left alone. Template actions use [[ ]] delimiters, e.g.
// [[ .TargetURL | upper ]], with sprig functions available.
func RenderProfile(templatePath, outPath string, data ProfileData) error {
	content, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("failed to read profile template: %w", err)
	}
	text := strings.ReplaceAll(string(content), TargetPlaceholder, data.TargetURL)

	tmpl, err := template.New(filepath.Base(templatePath)).
		Delims("[[", "]]").
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return fmt.Errorf("parse profile template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render profile template: %w", err)
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}
