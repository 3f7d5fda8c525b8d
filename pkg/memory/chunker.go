package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	DefaultChunkMaxSize = 1600
	DefaultChunkOverlap = 320

	paragraphSeparator = "\n\n"
)

// Chunker splits markdown into heading-aware, overlapping chunks.
// Sizes are counted in characters (runes).
type Chunker struct {
	maxSize int
	overlap int
	parser  goldmark.Markdown
}

// NewChunker creates a chunker. Non-positive sizes take the defaults and the
// overlap is clamped below maxSize.
func NewChunker(maxSize, overlap int) *Chunker {
	if maxSize <= 0 {
		maxSize = DefaultChunkMaxSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxSize {
		overlap = maxSize / 5
	}
	return &Chunker{
		maxSize: maxSize,
		overlap: overlap,
		parser:  goldmark.New(),
	}
}

func (c *Chunker) MaxSize() int { return c.maxSize }
func (c *Chunker) Overlap() int { return c.overlap }

type section struct {
	heading string
	start   int // 0-based, inclusive
	end     int // 0-based, exclusive
}

type paragraph struct {
	text  string
	start int // 1-indexed
	end   int
}

// Chunk returns the chunks of a markdown document in document order.
// ID and FilePath are left for the caller to fill in.
func (c *Chunker) Chunk(content string) []Chunk {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	var chunks []Chunk
	for _, sec := range c.sections(content, len(lines)) {
		chunks = append(chunks, c.chunkSection(lines, sec)...)
	}
	return chunks
}

// sections splits the document at top-level H1/H2 headings. goldmark is used
// so that '#' lines inside fenced code are not taken for headings.
func (c *Chunker) sections(content string, lineCount int) []section {
	source := []byte(blankFrontMatter(content))
	doc := c.parser.Parser().Parse(text.NewReader(source))

	type mark struct {
		line    int
		heading string
	}
	var marks []mark
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		h, ok := node.(*ast.Heading)
		if !ok || h.Level > 2 || h.Lines().Len() == 0 {
			continue
		}
		first := h.Lines().At(0)
		line := strings.Count(string(source[:first.Start]), "\n")

		parts := make([]string, 0, h.Lines().Len())
		for i := 0; i < h.Lines().Len(); i++ {
			seg := h.Lines().At(i)
			if part := strings.TrimSpace(string(seg.Value(source))); part != "" {
				parts = append(parts, part)
			}
		}
		marks = append(marks, mark{line: line, heading: strings.Join(parts, " ")})
	}
	sort.SliceStable(marks, func(i, j int) bool { return marks[i].line < marks[j].line })

	var out []section
	current := section{start: 0}
	for _, m := range marks {
		if m.line > current.start {
			current.end = m.line
			out = append(out, current)
		}
		current = section{heading: m.heading, start: m.line}
	}
	current.end = lineCount
	return append(out, current)
}

// blankFrontMatter empties the lines of a leading YAML front matter block so
// its closing "---" is not read as a setext heading underline. Line numbers
// are unchanged.
func blankFrontMatter(content string) string {
	if !strings.HasPrefix(content, "---\n") {
		return content
	}
	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if trimmed := strings.TrimRight(lines[i], " \t"); trimmed == "---" || trimmed == "..." {
			for j := 0; j <= i; j++ {
				lines[j] = ""
			}
			return strings.Join(lines, "\n")
		}
	}
	return content
}

func (c *Chunker) chunkSection(lines []string, sec section) []Chunk {
	start, end := sec.start, sec.end-1
	for start <= end && isBlank(lines[start]) {
		start++
	}
	for end >= start && isBlank(lines[end]) {
		end--
	}
	if start > end {
		return nil
	}

	body := strings.Join(lines[start:end+1], "\n")
	if runeLen(body) <= c.maxSize {
		return []Chunk{newChunk(body, sec.heading, start+1, end+1)}
	}

	var paras []paragraph
	for i := start; i <= end; {
		if isBlank(lines[i]) {
			i++
			continue
		}
		j := i
		for j+1 <= end && !isBlank(lines[j+1]) {
			j++
		}
		paras = append(paras, paragraph{
			text:  strings.Join(lines[i:j+1], "\n"),
			start: i + 1,
			end:   j + 1,
		})
		i = j + 1
	}

	var chunks []Chunk
	var current []paragraph
	fresh := false
	emit := func() {
		chunks = append(chunks, newChunk(joinParagraphs(current), sec.heading, current[0].start, current[len(current)-1].end))
	}

	for _, p := range paras {
		if len(current) > 0 && packedLen(current)+len(paragraphSeparator)+runeLen(p.text) > c.maxSize {
			if fresh {
				emit()
				current = c.overlapTail(current)
			}
			for len(current) > 0 && packedLen(current)+len(paragraphSeparator)+runeLen(p.text) > c.maxSize {
				current = current[1:]
			}
		}
		current = append(current, p)
		fresh = true
	}
	if fresh && len(current) > 0 {
		emit()
	}
	return chunks
}

// overlapTail returns the trailing context carried into the next chunk:
// whole paragraphs when they fit the overlap budget, otherwise the end of
// the last paragraph cut at a word boundary.
func (c *Chunker) overlapTail(current []paragraph) []paragraph {
	if c.overlap <= 0 || len(current) == 0 {
		return nil
	}

	var tail []paragraph
	total := 0
	for i := len(current) - 1; i >= 0; i-- {
		n := runeLen(current[i].text)
		if len(tail) > 0 {
			n += len(paragraphSeparator)
		}
		if total+n > c.overlap {
			break
		}
		tail = append([]paragraph{current[i]}, tail...)
		total += n
	}
	if len(tail) > 0 {
		return tail
	}

	cut, ok := truncateTail(current[len(current)-1], c.overlap)
	if !ok {
		return nil
	}
	return []paragraph{cut}
}

func truncateTail(p paragraph, limit int) (paragraph, bool) {
	runes := []rune(p.text)
	if len(runes) <= limit {
		return p, true
	}

	cut := len(runes) - limit
	wordCut := cut
	for wordCut < len(runes) && !unicode.IsSpace(runes[wordCut]) {
		wordCut++
	}
	for wordCut < len(runes) && unicode.IsSpace(runes[wordCut]) {
		wordCut++
	}
	if wordCut < len(runes) {
		cut = wordCut
	}

	for cut < len(runes) && unicode.IsSpace(runes[cut]) {
		cut++
	}
	rest := strings.TrimRightFunc(string(runes[cut:]), unicode.IsSpace)
	if rest == "" {
		return paragraph{}, false
	}
	return paragraph{
		text:  rest,
		start: p.start + strings.Count(string(runes[:cut]), "\n"),
		end:   p.end,
	}, true
}

func newChunk(body, heading string, startLine, endLine int) Chunk {
	return Chunk{
		Heading:     heading,
		StartLine:   startLine,
		EndLine:     endLine,
		Text:        body,
		ContentHash: hashText(body),
	}
}

func joinParagraphs(paras []paragraph) string {
	parts := make([]string, len(paras))
	for i, p := range paras {
		parts[i] = p.text
	}
	return strings.Join(parts, paragraphSeparator)
}

func packedLen(paras []paragraph) int {
	if len(paras) == 0 {
		return 0
	}
	n := len(paragraphSeparator) * (len(paras) - 1)
	for _, p := range paras {
		n += runeLen(p.text)
	}
	return n
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func isBlank(line string) bool { return strings.TrimSpace(line) == "" }
