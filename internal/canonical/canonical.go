// Package canonical turns rendered HTML into a deterministic, diff-stable form.
//
// Canonicalize parses the input with the tolerant HTML5 parser from
// golang.org/x/net/html, builds a fresh tree by copying the parse tree node by
// node, and renders the copy. Every normalization is decided while copying and
// only ever reads the source tree, so the parse tree is never edited in place
// and re-running the canonicalizer always starts from a pristine parse.
//
// The normalizations are:
//
//   - generator meta tags and comments mentioning volatile build data are dropped
//   - absolute filesystem paths in link attributes are reduced to their base name
//   - auto-numbering prefixes ("Figure 3. ") are removed from captions
//   - every ordered-list item gets value="1"
//   - whitespace in prose text is collapsed, verbatim regions are left alone
//   - block elements emptied by the steps above are removed
//
// The output of Canonicalize is a fixed point: canonicalizing it again returns
// the same bytes.
package canonical

import (
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Options tunes the normalization rules. The zero value is not useful; start
// from DefaultOptions.
type Options struct {
	// VolatileMarkers drop any comment whose lower-cased text contains one of them.
	VolatileMarkers []string
	// PathPrefixes are absolute filesystem roots rewritten to base names.
	PathPrefixes []string
	// PathAttributes are the attributes inspected for filesystem paths.
	PathAttributes []string
	// CaptionLabels are the words recognized in numbered caption prefixes.
	CaptionLabels []string
}

// DefaultOptions returns the rules used by the render pipeline.
func DefaultOptions() Options {
	return Options{
		VolatileMarkers: []string{"generated", "timestamp", "build", "date"},
		PathPrefixes:    []string{"/home/", "/Users/", "/root/", "/tmp/", "/private/", "/var/folders/", "/mnt/"},
		PathAttributes:  []string{"href", "src", "data-uri", "poster", "data-src"},
		CaptionLabels:   []string{"Figure", "Table", "Listing", "Example"},
	}
}

// Report counts what a canonicalization pass changed.
type Report struct {
	MetaRemoved      int
	CommentsRemoved  int
	PathsRewritten   int
	CaptionsStripped int
	ListItemsPinned  int
	EmptiedRemoved   int
}

// Canonicalizer applies a fixed set of Options. It holds no mutable state and
// is safe for concurrent use.
type Canonicalizer struct {
	opts      Options
	captionRe *regexp.Regexp
	windowsRe *regexp.Regexp
}

// New creates a Canonicalizer for opts.
func New(opts Options) *Canonicalizer {
	labels := make([]string, 0, len(opts.CaptionLabels))
	for _, l := range opts.CaptionLabels {
		labels = append(labels, regexp.QuoteMeta(l))
	}
	pattern := `^$^` // matches nothing
	if len(labels) > 0 {
		pattern = `^(?:(?:` + strings.Join(labels, "|") + `)\s+\d+[.:]\s*)+`
	}
	return &Canonicalizer{
		opts:      opts,
		captionRe: regexp.MustCompile(pattern),
		windowsRe: regexp.MustCompile(`^[A-Za-z]:[\\/]`),
	}
}

var defaultCanonicalizer = New(DefaultOptions())

// Canonicalize normalizes raw with DefaultOptions.
func Canonicalize(raw string) string {
	return defaultCanonicalizer.Canonicalize(raw)
}

// Canonicalize returns the canonical form of raw. Malformed markup is handled
// by the parser's error recovery; if parsing or rendering still fails the
// input is returned unchanged.
func (c *Canonicalizer) Canonicalize(raw string) string {
	out, _ := c.CanonicalizeWithReport(raw)
	return out
}

// documentRe detects input that is a whole document rather than a fragment.
var documentRe = regexp.MustCompile(`(?i)<(?:!doctype|html|head|body)[\s>/]`)

// CanonicalizeWithReport is Canonicalize plus a summary of the edits made.
func (c *Canonicalizer) CanonicalizeWithReport(raw string) (string, Report) {
	var report Report

	cp := &copier{c: c, report: &report}
	var b strings.Builder

	if documentRe.MatchString(raw) {
		doc, err := html.Parse(strings.NewReader(raw))
		if err != nil {
			return raw, report
		}
		if err := html.Render(&b, cp.copyNode(doc, false)); err != nil {
			return raw, Report{}
		}
		return b.String(), report
	}

	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(raw), body)
	if err != nil {
		return raw, report
	}
	root := &html.Node{Type: html.DocumentNode}
	for _, src := range nodes {
		cp.appendCopy(root, cp.copyNode(src, false), false)
	}
	for n := root.FirstChild; n != nil; n = n.NextSibling {
		if err := html.Render(&b, n); err != nil {
			return raw, Report{}
		}
	}
	return b.String(), report
}

// copier carries per-call state through the recursive copy.
type copier struct {
	c      *Canonicalizer
	report *Report
	// caption is set while copying a caption element whose numbering prefix
	// has not been found yet.
	caption bool
}

// copyNode returns a detached copy of src with all normalizations applied, or
// nil when src is dropped. verbatim is true inside preformatted regions.
func (cp *copier) copyNode(src *html.Node, verbatim bool) *html.Node {
	switch src.Type {
	case html.CommentNode:
		if cp.c.isVolatileComment(src.Data) {
			cp.report.CommentsRemoved++
			return nil
		}
		return &html.Node{Type: html.CommentNode, Data: src.Data}

	case html.DoctypeNode:
		return &html.Node{Type: html.DoctypeNode, Data: src.Data, Attr: copyAttrs(src.Attr)}

	case html.TextNode:
		text := src.Data
		if !verbatim {
			text = CollapseWhitespace(text)
		}
		if cp.caption && strings.TrimSpace(text) != "" {
			text = cp.stripCaption(text)
			// A prefix that consumed the whole node may continue in the next one.
			cp.caption = strings.TrimSpace(text) == ""
			if text == "" {
				return nil
			}
		}
		return &html.Node{Type: html.TextNode, Data: text}

	case html.DocumentNode:
		dst := &html.Node{Type: html.DocumentNode}
		cp.copyChildren(src, dst, verbatim)
		return dst

	case html.ElementNode:
		return cp.copyElement(src, verbatim)

	default:
		// RawNode and ErrorNode never come out of the parser.
		return nil
	}
}

func (cp *copier) copyElement(src *html.Node, verbatim bool) *html.Node {
	if cp.c.isGeneratorMeta(src) {
		cp.report.MetaRemoved++
		return nil
	}

	dst := &html.Node{
		Type:      html.ElementNode,
		DataAtom:  src.DataAtom,
		Data:      src.Data,
		Namespace: src.Namespace,
		Attr:      cp.c.rewriteAttrs(src.Attr, cp.report),
	}

	if src.DataAtom == atom.Li && src.Parent != nil && src.Parent.DataAtom == atom.Ol {
		dst.Attr = setAttr(dst.Attr, "value", "1")
		cp.report.ListItemsPinned++
	}

	childVerbatim := verbatim || isVerbatim(src)

	if isCaption(src) {
		outer := cp.caption
		cp.caption = true
		cp.copyChildren(src, dst, childVerbatim)
		cp.caption = outer
	} else {
		cp.copyChildren(src, dst, childVerbatim)
	}

	if removable(src) && !isEmpty(src) && isEmpty(dst) {
		cp.report.EmptiedRemoved++
		return nil
	}
	return dst
}

func (cp *copier) copyChildren(src, dst *html.Node, verbatim bool) {
	for child := src.FirstChild; child != nil; child = child.NextSibling {
		cp.appendCopy(dst, cp.copyNode(child, verbatim), verbatim)
	}
}

// appendCopy appends n to dst, merging it into a preceding text node. Dropped
// comments and elements can leave two text nodes side by side, and the parser
// would read them back as one.
func (cp *copier) appendCopy(dst, n *html.Node, verbatim bool) {
	if n == nil {
		return
	}
	if n.Type == html.TextNode && dst.LastChild != nil && dst.LastChild.Type == html.TextNode {
		merged := dst.LastChild.Data + n.Data
		if !verbatim {
			merged = CollapseWhitespace(merged)
		}
		dst.LastChild.Data = merged
		return
	}
	dst.AppendChild(n)
}

func (cp *copier) stripCaption(text string) string {
	lead := len(text) - len(strings.TrimLeft(text, " \t\n"))
	rest := text[lead:]
	loc := cp.c.captionRe.FindStringIndex(rest)
	if loc == nil {
		return text
	}
	cp.report.CaptionsStripped++
	return text[:lead] + rest[loc[1]:]
}

func (c *Canonicalizer) isVolatileComment(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range c.opts.VolatileMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func (c *Canonicalizer) isGeneratorMeta(n *html.Node) bool {
	if n.DataAtom != atom.Meta {
		return false
	}
	name, ok := getAttr(n.Attr, "name")
	return ok && strings.EqualFold(strings.TrimSpace(name), "generator")
}

func (c *Canonicalizer) rewriteAttrs(attrs []html.Attribute, report *Report) []html.Attribute {
	out := copyAttrs(attrs)
	for i := range out {
		if out[i].Namespace != "" || !c.isPathAttribute(out[i].Key) {
			continue
		}
		if rewritten, ok := c.basename(out[i].Val); ok {
			out[i].Val = rewritten
			report.PathsRewritten++
		}
	}
	return out
}

func (c *Canonicalizer) isPathAttribute(key string) bool {
	for _, k := range c.opts.PathAttributes {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// basename reduces an absolute filesystem path (optionally a file:// URL) to
// its last element, keeping any query or fragment.
func (c *Canonicalizer) basename(val string) (string, bool) {
	p := val
	if strings.HasPrefix(strings.ToLower(p), "file://") {
		p = p[len("file://"):]
	}

	absolute := c.windowsRe.MatchString(p)
	for _, prefix := range c.opts.PathPrefixes {
		if strings.HasPrefix(p, prefix) {
			absolute = true
			break
		}
	}
	if !absolute {
		return val, false
	}

	suffix := ""
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p, suffix = p[:i], p[i:]
	}
	p = strings.ReplaceAll(p, `\`, "/")
	base := path.Base(p)
	if base == "/" || base == "." {
		return val, false
	}
	return base + suffix, base+suffix != val
}

var verbatimAtoms = map[atom.Atom]bool{
	atom.Pre:       true,
	atom.Code:      true,
	atom.Script:    true,
	atom.Style:     true,
	atom.Textarea:  true,
	atom.Listing:   true,
	atom.Xmp:       true,
	atom.Plaintext: true,
}

func isVerbatim(n *html.Node) bool {
	return n.Namespace == "" && verbatimAtoms[n.DataAtom]
}

// isCaption matches HTML captions and the title blocks renderers such as
// Asciidoctor emit above figures, tables and listings.
func isCaption(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Figcaption, atom.Caption:
		return true
	}
	class, ok := getAttr(n.Attr, "class")
	if !ok {
		return false
	}
	for _, token := range strings.Fields(class) {
		if token == "title" {
			return true
		}
	}
	return false
}

// structuralAtoms are never removed when emptied: dropping them would change
// the document skeleton, a table's shape, or a list's numbering.
var structuralAtoms = map[atom.Atom]bool{
	atom.Html:     true,
	atom.Head:     true,
	atom.Body:     true,
	atom.Table:    true,
	atom.Thead:    true,
	atom.Tbody:    true,
	atom.Tfoot:    true,
	atom.Tr:       true,
	atom.Td:       true,
	atom.Th:       true,
	atom.Colgroup: true,
	atom.Li:       true,
	atom.Dt:       true,
	atom.Dd:       true,
	atom.Option:   true,
}

// removable reports whether n may be dropped once normalization leaves it
// empty. Void elements never qualify because they are empty in the source.
func removable(n *html.Node) bool {
	return n.Namespace == "" && !structuralAtoms[n.DataAtom] && !isVerbatim(n)
}

// isEmpty reports whether n has no element or comment children and no
// non-whitespace text.
func isEmpty(n *html.Node) bool {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case html.TextNode:
			if strings.TrimSpace(child.Data) != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func copyAttrs(attrs []html.Attribute) []html.Attribute {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]html.Attribute, len(attrs))
	copy(out, attrs)
	return out
}

func getAttr(attrs []html.Attribute, key string) (string, bool) {
	for _, a := range attrs {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(attrs []html.Attribute, key, val string) []html.Attribute {
	for i := range attrs {
		if attrs[i].Namespace == "" && attrs[i].Key == key {
			attrs[i].Val = val
			return attrs
		}
	}
	return append(attrs, html.Attribute{Key: key, Val: val})
}
