package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldPromote_NonOKStatusNeverPromotes(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.False(t, h.ShouldPromote(404, nil))
	require.False(t, h.ShouldPromote(500, []byte(`<div id="root"></div>`)))
}

func TestShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.True(t, h.ShouldPromote(200, nil))
	require.True(t, h.ShouldPromote(200, []byte{}))
}

func TestShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	markers := []string{
		`<div id="root"></div>`,
		`<div id="app"></div>`,
		`<div data-reactroot></div>`,
		`<script id="__next_data__"></script>`,
	}
	for _, m := range markers {
		require.True(t, h.ShouldPromote(200, []byte("<html><body>"+m+"</body></html>")), m)
	}
}

func TestShouldPromote_ScriptHeavySmallBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	body := `<html><body><p>hi</p><script>window.load(` + strings.Repeat("x", 200) + `)</script></body></html>`
	require.True(t, h.ShouldPromote(200, []byte(body)))
}

func TestShouldPromote_StaticContentPasses(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	body := "<html><body>" + strings.Repeat("<p>static business details</p>", 50) + "</body></html>"
	require.False(t, h.ShouldPromote(200, []byte(body)))
}

func TestShouldPromote_LargeScriptBodyNotPromotedBySizeRule(t *testing.T) {
	t.Parallel()

	// Above the size threshold the script-density rule no longer applies.
	h := NewHeuristic(64)
	body := `<html><body><p>` + strings.Repeat("text ", 40) + `</p><script>x()</script></body></html>`
	require.False(t, h.ShouldPromote(200, []byte(body)))
}
