package crawl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldPromoteEmptyBody(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})
	require.True(t, d.ShouldPromote(Page{StatusCode: 200}))
}

func TestShouldPromoteSPAMarker(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})
	body := []byte(`<html><body><div id="root"></div><script src="/bundle.js"></script></body></html>`)
	require.True(t, d.ShouldPromote(Page{StatusCode: 200, Body: body}))
}

func TestShouldPromoteScriptHeavyShortBody(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{MinBodyBytes: 2048})
	body := []byte("<html><body><script>" + strings.Repeat("window.x=1;", 40) + "</script><p>hi</p></body></html>")
	require.True(t, d.ShouldPromote(Page{StatusCode: 200, Body: body}))
}

func TestShouldPromoteUnclosedScript(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{MinBodyBytes: 2048})
	body := []byte("<html><body><p>hi</p><script>" + strings.Repeat("window.x=1;", 40))
	require.True(t, d.ShouldPromote(Page{StatusCode: 200, Body: body}))
}

func TestShouldNotPromoteContentfulPage(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{MinBodyBytes: 512})
	body := []byte("<html><body>" + strings.Repeat("<p>a paragraph of real content</p>", 40) + "</body></html>")
	require.False(t, d.ShouldPromote(Page{StatusCode: 200, Body: body}))
}

func TestShouldNotPromoteNon200(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})
	require.False(t, d.ShouldPromote(Page{StatusCode: 404}))
}

func TestDetectorCustomRules(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{
		ShellMarkers:      []string{`data-shell="pending"`},
		ScriptCoveragePct: 60,
	})

	marked := []byte(`<html><body><div data-shell="pending"></div></body></html>`)
	require.True(t, d.ShouldPromote(Page{StatusCode: 200, Body: marked}))

	// Default markers no longer apply once custom ones are set.
	reactish := []byte(`<html><body><div id="root"></div></body></html>`)
	require.False(t, d.ShouldPromote(Page{StatusCode: 200, Body: reactish}))

	// Half-script body stays below the raised coverage bar.
	half := []byte("<p>" + strings.Repeat("text ", 20) + "</p><script>" + strings.Repeat("x=1;", 25) + "</script>")
	require.False(t, d.ShouldPromote(Page{StatusCode: 200, Body: half}))
}
