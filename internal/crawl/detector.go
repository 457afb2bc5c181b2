package crawl

import (
	"bytes"
	"regexp"
)

// DetectorConfig tunes when a plain fetch is promoted to the headless
// renderer.
type DetectorConfig struct {
	// MinBodyBytes is the size under which a script-heavy response is
	// treated as an unrendered shell.
	MinBodyBytes int
	// ShellMarkers are substrings identifying client-side app mount
	// points; any match promotes.
	ShellMarkers []string
	// ScriptCoveragePct is the share of the body inside script tags
	// that counts as script-heavy.
	ScriptCoveragePct int
}

func defaultShellMarkers() []string {
	return []string{"__next", `id="root"`, `id="app"`, "data-reactroot"}
}

// Detector decides whether a plain fetch should be promoted to the
// headless renderer.
type Detector struct {
	cfg     DetectorConfig
	markers [][]byte
}

// NewDetector creates a rule-based detector. Zero config fields take
// defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.MinBodyBytes <= 0 {
		cfg.MinBodyBytes = 2048
	}
	if cfg.ScriptCoveragePct <= 0 {
		cfg.ScriptCoveragePct = 25
	}
	if len(cfg.ShellMarkers) == 0 {
		cfg.ShellMarkers = defaultShellMarkers()
	}
	markers := make([][]byte, len(cfg.ShellMarkers))
	for i, m := range cfg.ShellMarkers {
		markers[i] = []byte(m)
	}
	return &Detector{cfg: cfg, markers: markers}
}

// scriptBlockRe matches a complete script element including its payload.
var scriptBlockRe = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)

// openScriptRe finds a script tag so unterminated blocks can be counted
// to the end of the document.
var openScriptRe = regexp.MustCompile(`(?i)<script\b`)

// ShouldPromote reports whether the response looks like an unrendered
// application shell rather than real content.
func (d *Detector) ShouldPromote(page Page) bool {
	if page.StatusCode != 200 {
		return false
	}
	body := page.Body
	if len(body) == 0 {
		return true
	}
	for _, marker := range d.markers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return len(body) < d.cfg.MinBodyBytes && d.scriptHeavy(body)
}

// scriptHeavy reports whether script tags cover at least the configured
// share of the body.
func (d *Detector) scriptHeavy(body []byte) bool {
	covered := 0
	rest := body
	for _, match := range scriptBlockRe.FindAllIndex(body, -1) {
		covered += match[1] - match[0]
		rest = body[match[1]:]
	}
	// A script tag that never closes swallows the rest of the document.
	if open := openScriptRe.FindIndex(rest); open != nil {
		covered += len(rest) - open[0]
	}
	if covered == 0 {
		return false
	}
	return covered*100/len(body) >= d.cfg.ScriptCoveragePct
}
