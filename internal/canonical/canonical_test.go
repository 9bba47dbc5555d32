package canonical

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "collapses prose whitespace",
			input:    "<p>a   b\n\n\nc</p>",
			expected: "<p>a b\nc</p>",
		},
		{
			name:     "preformatted text is untouched",
			input:    "<pre>  two\n\nspaces  </pre>",
			expected: "<pre>  two\n\nspaces  </pre>",
		},
		{
			name:     "inline code is untouched",
			input:    "<p>run <code>make   all</code> now</p>",
			expected: "<p>run <code>make   all</code> now</p>",
		},
		{
			name:     "soft wrap folds into a space",
			input:    "<p>line one\n    line two</p>",
			expected: "<p>line one line two</p>",
		},
		{
			name:     "inline spacing around markup survives",
			input:    "<p>Hello <em>world</em> again</p>",
			expected: "<p>Hello <em>world</em> again</p>",
		},
		{
			name:     "volatile comments are dropped",
			input:    "<p>keep</p><!-- generated 2024-01-01 --><!-- author note -->",
			expected: "<p>keep</p><!-- author note -->",
		},
		{
			name:     "text around a dropped comment is joined",
			input:    "<p>a <!-- date: today --> b</p>",
			expected: "<p>a b</p>",
		},
		{
			name:     "ordered list items are pinned",
			input:    `<ol><li>one</li><li value="7">two</li></ol>`,
			expected: `<ol><li value="1">one</li><li value="1">two</li></ol>`,
		},
		{
			name:     "unordered lists are left alone",
			input:    "<ul><li>one</li></ul>",
			expected: "<ul><li>one</li></ul>",
		},
		{
			name:     "figure caption numbering is removed",
			input:    "<figure><figcaption>Figure 3. Data flow</figcaption></figure>",
			expected: "<figure><figcaption>Data flow</figcaption></figure>",
		},
		{
			name:     "title block numbering is removed",
			input:    `<div class="title">Table 12: Results</div>`,
			expected: `<div class="title">Results</div>`,
		},
		{
			name:     "caption reduced to nothing is removed",
			input:    "<figure><figcaption>Figure 1.</figcaption><img src=\"a.png\"></figure>",
			expected: "<figure><img src=\"a.png\"/></figure>",
		},
		{
			name:     "inline wrapper emptied by caption stripping goes with its caption",
			input:    `<div class="title"><b>Figure 1.</b></div><p>x</p>`,
			expected: "<p>x</p>",
		},
		{
			name:     "emptied table cell is kept",
			input:    "<table><tbody><tr><td><!-- build 7 --></td></tr></tbody></table>",
			expected: "<table><tbody><tr><td></td></tr></tbody></table>",
		},
		{
			name:     "element emptied by comment removal is removed",
			input:    "<div><!-- build 42 --></div><p>x</p>",
			expected: "<p>x</p>",
		},
		{
			name:     "originally empty element is kept",
			input:    "<p></p>",
			expected: "<p></p>",
		},
		{
			name:     "malformed markup is repaired",
			input:    "<p>unclosed <b>bold",
			expected: "<p>unclosed <b>bold</b></p>",
		},
		{
			name:     "entities are preserved",
			input:    "<p>Tom &amp; Jerry</p>",
			expected: "<p>Tom &amp; Jerry</p>",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Canonicalize(tt.input))
		})
	}
}

func TestCanonicalizeRewritesFilesystemPaths(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
	}{
		{"home directory image", `<img src="/home/alice/docs/images/arch.png">`, `src="arch.png"`},
		{"macOS users link keeps fragment", `<a href="/Users/bob/x/guide.html#intro">g</a>`, `href="guide.html#intro"`},
		{"file URL", `<a href="file:///tmp/build/out.pdf">pdf</a>`, `href="out.pdf"`},
		{"data-uri attribute", `<img data-uri="/root/w/logo.svg">`, `data-uri="logo.svg"`},
		{"relative path unchanged", `<img src="images/a.png">`, `src="images/a.png"`},
		{"web URL unchanged", `<a href="https://example.com/home/x">x</a>`, `href="https://example.com/home/x"`},
		{"site-relative URL unchanged", `<a href="/css/site.css">x</a>`, `href="/css/site.css"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, Canonicalize(tt.input), tt.contains)
		})
	}
}

func TestCanonicalizeDocument(t *testing.T) {
	doc := `<!DOCTYPE html><html><head><meta name="generator" content="Asciidoctor 2.0.20"><title>Guide</title></head><body><p>x</p></body></html>`

	out := Canonicalize(doc)

	assert.NotContains(t, out, "generator")
	assert.Contains(t, out, "<title>Guide</title>")
	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
	assert.Contains(t, out, "<body><p>x</p></body>")
}

func TestCanonicalizeStableAcrossRenderNoise(t *testing.T) {
	render := func(version, stamp, home string) string {
		return `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="generator" content="Asciidoctor ` + version + `">
<title>Design Notes</title>
</head>
<body class="article">
<!-- Generated at ` + stamp + ` -->
<div id="content">
<div class="imageblock">
<div class="content">
<img src="` + home + `/docs/images/flow.png" alt="flow">
</div>
<div class="title">Figure 1. Request flow</div>
</div>
<div class="olist arabic">
<ol class="arabic">
<li>
<p>First step</p>
</li>
<li>
<p>Second   step</p>
</li>
</ol>
</div>
<div class="listingblock">
<div class="content">
<pre>func main() {
    run()
}</pre>
</div>
</div>
</div>
</body>
</html>`
	}

	first := Canonicalize(render("2.0.18", "2024-01-01 10:00", "/home/alice"))
	second := Canonicalize(render("2.0.20", "2025-06-30 23:59", "/Users/bob/src"))

	assert.Equal(t, first, second)
	assert.Contains(t, first, "    run()")
	assert.Contains(t, first, `<div class="title">Request flow</div>`)
	assert.Contains(t, first, `src="flow.png"`)
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"<p>a   b\n\n\nc</p>",
		"<pre>  two\n\nspaces  </pre>",
		"<pre>\nleading newline</pre>",
		"<p>a <!-- build --> b</p>",
		"<div class=\"title\">Figure 1. <em>Table 2. nested</em></div>",
		"<ol><li>x</li></ol>\n\n<p> lead and trail </p>",
		"<table>\n  <caption>Table 4: Sizes</caption>\n  <tr><td>1</td></tr>\n</table>",
		"<p>unclosed <b>bold",
	}

	for _, input := range inputs {
		once := Canonicalize(input)
		assert.Equal(t, once, Canonicalize(once), "input %q", input)
	}
}

func TestCanonicalizeWithReport(t *testing.T) {
	input := `<meta name="Generator" content="x">` +
		`<!-- timestamp 1 -->` +
		`<img src="/tmp/a/b.png">` +
		`<figcaption>Listing 2. Code</figcaption>` +
		`<ol><li>a</li><li>b</li></ol>` +
		`<span><!-- date --></span>`

	_, report := New(DefaultOptions()).CanonicalizeWithReport(input)

	assert.Equal(t, Report{
		MetaRemoved:      1,
		CommentsRemoved:  2,
		PathsRewritten:   1,
		CaptionsStripped: 1,
		ListItemsPinned:  2,
		EmptiedRemoved:   1,
	}, report)
}

func TestCustomOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.CaptionLabels = []string{"Abbildung"}
	opts.VolatileMarkers = []string{"revision"}
	c := New(opts)

	out := c.Canonicalize("<figcaption>Abbildung 2. Fluss</figcaption><!-- revision 7 --><!-- generated -->")

	require.NotEmpty(t, out)
	assert.Equal(t, "<figcaption>Fluss</figcaption><!-- generated -->", out)
}

func TestCanonicalizeConcurrentUse(t *testing.T) {
	c := New(DefaultOptions())
	done := make(chan string, 8)
	for i := 0; i < 8; i++ {
		go func() {
			done <- c.Canonicalize("<p>x   y</p><!-- generated -->")
		}()
	}
	for i := 0; i < 8; i++ {
		assert.Equal(t, "<p>x y</p>", <-done)
	}
}
