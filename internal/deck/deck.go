// Package deck parses markdown slide decks: slides separated by thematic
// breaks, stepped fragments marked with a {N} prefix, and drill links
// written as [text](drill:target "flags").
package deck

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/livetemplate/drillshow/internal/customshow"
	"github.com/livetemplate/drillshow/internal/navigation"
	"github.com/livetemplate/drillshow/internal/steps"
)

// Kind is the layout of a deck.
type Kind string

const (
	// KindPresentation navigates slide by slide.
	KindPresentation Kind = "presentation"
	// KindCustomShow plays its slides as one sequence of global fragments.
	KindCustomShow Kind = "custom-show"
)

// DrillScheme is the link destination prefix of a drill link.
const DrillScheme = "drill:"

// Link flags accepted in a drill link's title.
const (
	FlagReturnHere = "return-here"
	FlagAuto       = "auto"
)

// Frontmatter is the optional YAML header of a deck file.
type Frontmatter struct {
	Title string `yaml:"title"`
	Kind  Kind   `yaml:"kind"`
}

// Deck is a parsed markdown deck.
type Deck struct {
	ID     string   `json:"id"`
	File   string   `json:"-"`
	Title  string   `json:"title"`
	Kind   Kind     `json:"kind"`
	Slides []*Slide `json:"slides"`

	show customshow.Show
}

// Slide is one section of a deck between thematic breaks.
type Slide struct {
	Index     int        `json:"index"`
	Title     string     `json:"title,omitempty"`
	Line      int        `json:"line"`
	Fragments []Fragment `json:"fragments,omitempty"`
	Links     []Link     `json:"links,omitempty"`

	normalizer *steps.Normalizer
}

// Fragment is a block revealed at a step.
type Fragment struct {
	Step       float64 `json:"step"`
	Normalized float64 `json:"normalized"`
	Line       int     `json:"line"`
	Text       string  `json:"text"`
}

// Link is a drill link found on a slide. Step is the author step of the
// enclosing fragment and LocalStep its normalized click; both are 0 for
// static content.
type Link struct {
	Target     string  `json:"target"`
	Text       string  `json:"text"`
	Step       float64 `json:"step"`
	LocalStep  int     `json:"localStep"`
	ReturnHere bool    `json:"returnHere,omitempty"`
	AutoDrill  bool    `json:"autoDrill,omitempty"`
	Line       int     `json:"line"`
}

// Static reports whether the link is visible as soon as the slide is.
func (l Link) Static() bool {
	return l.Step == 0
}

// Target is a drill link in navigation store coordinates.
type Target struct {
	Key navigation.TargetKey
	navigation.DrillTarget
	Static bool
	Line   int
}

var stepPrefix = regexp.MustCompile(`^\{(\d+(?:\.\d+)?)\}[ \t]*`)

// ParseFile reads and parses a deck file.
func ParseFile(id, path string) (*Deck, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(id, path, content)
}

// Parse parses deck markdown. file is used for error reporting only.
func Parse(id, file string, content []byte) (*Deck, error) {
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))

	fm, body, lineOffset, err := extractFrontmatter(file, content)
	if err != nil {
		return nil, err
	}

	p := &parser{file: file, src: body, full: content, lineOffset: lineOffset}
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(body))

	d := &Deck{ID: id, File: file, Title: fm.Title, Kind: fm.Kind}
	for _, group := range splitSlides(doc) {
		slide, err := p.parseSlide(len(d.Slides), group)
		if err != nil {
			return nil, err
		}
		d.Slides = append(d.Slides, slide)
	}
	if len(d.Slides) == 0 {
		d.Slides = []*Slide{{Line: lineOffset + 1, normalizer: steps.NewNormalizer()}}
	}

	if d.Title == "" {
		d.Title = d.Slides[0].Title
	}
	if d.Title == "" {
		d.Title = id
	}

	if d.Kind == KindCustomShow {
		maxSteps := make([]int, len(d.Slides))
		for i, s := range d.Slides {
			maxSteps[i] = s.MaxStep()
		}
		d.show = customshow.NewShow(maxSteps)
	}
	return d, nil
}

// extractFrontmatter splits off a leading YAML block delimited by "---"
// lines and returns the number of lines it occupied.
func extractFrontmatter(file string, content []byte) (Frontmatter, []byte, int, error) {
	fm := Frontmatter{Kind: KindPresentation}
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return fm, content, 0, nil
	}

	rest := content[4:]
	var yamlContent []byte
	var skip int
	if bytes.HasPrefix(rest, []byte("---\n")) {
		skip = 8
	} else {
		endIdx := bytes.Index(rest, []byte("\n---\n"))
		if endIdx == -1 {
			if !bytes.HasSuffix(rest, []byte("\n---")) {
				return fm, nil, 0, NewParseError(file, 1, "unclosed frontmatter").
					WithHint("end the YAML header with a line containing only ---").
					withSource(content)
			}
			endIdx = len(rest) - 4
		}
		yamlContent = rest[:endIdx]
		skip = min(len(content), 4+endIdx+5)
	}

	if err := yaml.Unmarshal(yamlContent, &fm); err != nil {
		return fm, nil, 0, NewParseError(file, 1, fmt.Sprintf("invalid frontmatter: %v", err)).withSource(content)
	}
	switch fm.Kind {
	case "":
		fm.Kind = KindPresentation
	case KindPresentation, KindCustomShow:
	default:
		return fm, nil, 0, NewParseError(file, 1, fmt.Sprintf("unknown deck kind %q", fm.Kind)).
			WithHint("use kind: presentation or kind: custom-show").
			withSource(content)
	}

	lines := bytes.Count(content[:skip], []byte("\n"))
	return fm, content[skip:], lines, nil
}

// splitSlides groups the document's top-level blocks at thematic breaks.
// Groups without content are dropped.
func splitSlides(doc ast.Node) [][]ast.Node {
	var groups [][]ast.Node
	var current []ast.Node
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if n.Kind() == ast.KindThematicBreak {
			if len(current) > 0 {
				groups = append(groups, current)
			}
			current = nil
			continue
		}
		current = append(current, n)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

type parser struct {
	file       string
	src        []byte // markdown body after the frontmatter
	full       []byte // whole file, for error context
	lineOffset int
}

type pendingLink struct {
	link  Link
	owner ast.Node
}

func (p *parser) parseSlide(index int, nodes []ast.Node) (*Slide, error) {
	slide := &Slide{Index: index, Line: p.lineOf(nodes[0]), normalizer: steps.NewNormalizer()}

	stepOf := make(map[ast.Node]float64)
	var links []pendingLink

	for _, root := range nodes {
		err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
			if !entering {
				return ast.WalkContinue, nil
			}

			switch node := n.(type) {
			case *ast.Paragraph, *ast.TextBlock, *ast.Heading:
				step, text, err := p.stepPrefix(n)
				if err != nil {
					return ast.WalkStop, err
				}
				if h, ok := node.(*ast.Heading); ok && slide.Title == "" {
					slide.Title = stripStep(inlineText(h, p.src))
				}
				if step > 0 {
					stepOf[n] = step
					slide.normalizer.RegisterStep(step)
					slide.Fragments = append(slide.Fragments, Fragment{Step: step, Line: p.lineOf(n), Text: text})
				}

			case *ast.Link:
				link, ok, err := p.drillLink(node)
				if err != nil {
					return ast.WalkStop, err
				}
				if ok {
					owner := enclosingBlock(node)
					link.Line = p.lineOf(owner)
					links = append(links, pendingLink{link: link, owner: owner})
				}
			}
			return ast.WalkContinue, nil
		})
		if err != nil {
			return nil, err
		}
	}

	slide.normalizer.Build()
	for i := range slide.Fragments {
		slide.Fragments[i].Normalized = slide.normalizer.Normalize(slide.Fragments[i].Step)
	}
	for _, pl := range links {
		pl.link.Step = stepFor(pl.owner, stepOf)
		if pl.link.Step > 0 {
			pl.link.LocalStep = slide.normalizer.NormalizeInt(pl.link.Step)
		}
		slide.Links = append(slide.Links, pl.link)
	}
	return slide, nil
}

// stepPrefix reads a {N} marker at the start of a text block.
func (p *parser) stepPrefix(n ast.Node) (float64, string, error) {
	lines := n.Lines()
	if lines.Len() == 0 {
		return 0, "", nil
	}
	first := lines.At(0)
	line := first.Value(p.src)
	m := stepPrefix.FindSubmatch(line)
	if m == nil {
		return 0, "", nil
	}

	step, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil || step < 1 || step > steps.MaxAuthorStep {
		return 0, "", p.errorAt(first.Start, fmt.Sprintf("invalid step %s", m[0])).
			WithHint(fmt.Sprintf("steps run from {1} to {%d}; content without a step is always visible", steps.MaxAuthorStep))
	}

	var b strings.Builder
	b.Write(bytes.TrimRight(line[len(m[0]):], "\n"))
	for i := 1; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.WriteByte(' ')
		b.Write(bytes.TrimRight(seg.Value(p.src), "\n"))
	}
	return step, strings.TrimSpace(b.String()), nil
}

func (p *parser) drillLink(n *ast.Link) (Link, bool, error) {
	dest := string(n.Destination)
	if !strings.HasPrefix(dest, DrillScheme) {
		return Link{}, false, nil
	}

	owner := enclosingBlock(n)
	link := Link{
		Target: strings.Trim(strings.TrimPrefix(dest, DrillScheme), "/ "),
		Text:   inlineText(n, p.src),
	}
	if link.Target == "" {
		return Link{}, false, p.errorAtNode(owner, "drill link without a target").
			WithHint("write the deck id after drill:, e.g. [more](drill:life/hebrews)")
	}

	for _, flag := range strings.Fields(string(n.Title)) {
		switch flag {
		case FlagReturnHere:
			link.ReturnHere = true
		case FlagAuto:
			link.AutoDrill = true
		default:
			return Link{}, false, p.errorAtNode(owner, fmt.Sprintf("unknown drill flag %q", flag)).
				WithHint(fmt.Sprintf("flags are %q and %q", FlagReturnHere, FlagAuto))
		}
	}
	return link, true, nil
}

func (p *parser) lineOf(n ast.Node) int {
	for ; n != nil; n = n.FirstChild() {
		if n.Type() == ast.TypeBlock && n.Lines().Len() > 0 {
			return p.lineAt(n.Lines().At(0).Start)
		}
	}
	return p.lineOffset + 1
}

func (p *parser) lineAt(offset int) int {
	return bytes.Count(p.src[:offset], []byte("\n")) + 1 + p.lineOffset
}

func (p *parser) errorAt(offset int, message string) *ParseError {
	col := offset - bytes.LastIndexByte(p.src[:offset], '\n')
	return NewParseError(p.file, p.lineAt(offset), message).WithColumn(col).withSource(p.full)
}

func (p *parser) errorAtNode(n ast.Node, message string) *ParseError {
	return NewParseError(p.file, p.lineOf(n), message).withSource(p.full)
}

// enclosingBlock is the nearest block ancestor of an inline node.
func enclosingBlock(n ast.Node) ast.Node {
	for n != nil && n.Type() != ast.TypeBlock {
		n = n.Parent()
	}
	return n
}

// stepFor resolves the step of content inside block: its own marker, or the
// marker that opens an enclosing list item.
func stepFor(block ast.Node, stepOf map[ast.Node]float64) float64 {
	for n := block; n != nil; n = n.Parent() {
		if step, ok := stepOf[n]; ok {
			return step
		}
		if n.Kind() == ast.KindListItem {
			if step, ok := stepOf[n.FirstChild()]; ok {
				return step
			}
		}
	}
	return 0
}

func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func stripStep(s string) string {
	return strings.TrimSpace(stepPrefix.ReplaceAllString(s, ""))
}

// MaxStep is the number of clicks the slide needs.
func (s *Slide) MaxStep() int {
	return s.normalizer.MaxStep()
}

// Normalizer returns the slide's built step normalizer.
func (s *Slide) Normalizer() *steps.Normalizer {
	return s.normalizer
}

// StepMap maps the slide's author steps to normalized clicks.
func (s *Slide) StepMap() map[int]int {
	return s.normalizer.Mapping()
}

// Show returns the fragment mapping of a custom show.
func (d *Deck) Show() (customshow.Show, bool) {
	return d.show, d.Kind == KindCustomShow
}

// FragmentCounts returns the per-slide max steps the navigation store is
// initialized with. A custom show is a single slide spanning every global
// fragment.
func (d *Deck) FragmentCounts() []int {
	if d.Kind == KindCustomShow {
		return []int{d.show.MaxFragment()}
	}
	counts := make([]int, len(d.Slides))
	for i, s := range d.Slides {
		counts[i] = s.MaxStep()
	}
	return counts
}

// Locate maps a store position to the slide on screen and its local
// fragment.
func (d *Deck) Locate(slide, fragment int) customshow.SlidePosition {
	if d.Kind == KindCustomShow {
		return d.show.Locate(fragment)
	}
	return customshow.SlidePosition{SlideIndex: slide, LocalFragment: fragment}
}

// Targets returns every drill link keyed the way the navigation store
// addresses positions.
func (d *Deck) Targets() []Target {
	var targets []Target
	for _, s := range d.Slides {
		for _, l := range s.Links {
			key := navigation.TargetKey{Slide: s.Index, Step: l.LocalStep}
			if d.Kind == KindCustomShow {
				key = navigation.TargetKey{Slide: 0, Step: d.show.GlobalStep(s.Index, l.LocalStep)}
			}
			targets = append(targets, Target{
				Key: key,
				DrillTarget: navigation.DrillTarget{
					Target:     l.Target,
					ReturnHere: l.ReturnHere,
					AutoDrill:  l.AutoDrill,
				},
				Static: l.Static(),
				Line:   l.Line,
			})
		}
	}
	return targets
}

// Links returns every drill link of the deck in document order.
func (d *Deck) Links() []Link {
	var links []Link
	for _, s := range d.Slides {
		links = append(links, s.Links...)
	}
	return links
}
