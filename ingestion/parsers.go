package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// Fragment is one chunk of parsed text with its position metadata.
type Fragment struct {
	Text    string
	Section string
	PageNum int
}

// ParsedDocument is the parser output for one source file.
type ParsedDocument struct {
	Title     string
	Fragments []Fragment
}

type DocumentParser interface {
	Parse(ctx context.Context, path string, data []byte) (*ParsedDocument, error)
}

// ParserFor returns the parser handling the given format, or nil when the
// format is unsupported.
func ParserFor(format DocumentFormat) DocumentParser {
	switch format {
	case FormatMarkdown:
		return markdownParser{}
	case FormatPDF:
		return pdfParser{}
	case FormatCSV:
		return csvParser{}
	default:
		return nil
	}
}

type markdownParser struct{}

func (markdownParser) Parse(_ context.Context, path string, data []byte) (*ParsedDocument, error) {
	content := normalizePlainText(string(data))
	title := ExtractTitle(content, filepath.Base(path))

	fragments := chunkMarkdown(content, defaultChunkSize, defaultChunkOverlap)
	return &ParsedDocument{Title: title, Fragments: fragments}, nil
}

type pdfParser struct{}

func (pdfParser) Parse(_ context.Context, path string, data []byte) (*ParsedDocument, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return nil, fmt.Errorf("read pdf text: %w", err)
	}

	content := normalizePlainText(buf.String())
	title := firstNonEmptyLine(content)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	fragments := chunkPlainText(content, defaultChunkSize, defaultChunkOverlap)
	return &ParsedDocument{Title: title, Fragments: fragments}, nil
}

type csvParser struct{}

func (csvParser) Parse(_ context.Context, path string, data []byte) (*ParsedDocument, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if len(records) == 0 {
		return &ParsedDocument{Title: title}, nil
	}

	headers := records[0]
	rows := records[1:]

	fragments := make([]Fragment, 0, len(rows))
	for idx, row := range rows {
		fragments = append(fragments, Fragment{
			Text:    formatCSVRow(headers, row, idx),
			Section: "Rows",
		})
	}

	return &ParsedDocument{Title: title, Fragments: fragments}, nil
}

// ExtractTitle returns the first markdown heading, or the fallback when the
// document has none.
func ExtractTitle(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return fallback
}

// chunkMarkdown splits markdown into fragments of roughly target characters
// with overlap, tracking the nearest heading as the fragment's section.
func chunkMarkdown(content string, target, overlap int) []Fragment {
	type paragraph struct {
		text    string
		section string
	}

	section := ""
	paragraphs := make([]paragraph, 0)
	for _, block := range strings.Split(content, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if heading := headingTitle(block); heading != "" {
			section = heading
		}
		paragraphs = append(paragraphs, paragraph{text: block, section: section})
	}

	fragments := make([]Fragment, 0, len(paragraphs))
	var builder strings.Builder
	currentSection := ""
	flush := func() {
		text := strings.TrimSpace(builder.String())
		if text != "" {
			fragments = append(fragments, Fragment{Text: text, Section: currentSection})
		}
		builder.Reset()
	}

	for _, p := range paragraphs {
		if builder.Len() == 0 {
			currentSection = p.section
		}
		if builder.Len() > 0 && builder.Len()+len(p.text) > target {
			tail := overlapTail(builder.String(), overlap)
			flush()
			currentSection = p.section
			if tail != "" {
				builder.WriteString(tail)
				builder.WriteString("\n\n")
			}
		}
		builder.WriteString(p.text)
		builder.WriteString("\n\n")
	}
	flush()

	return fragments
}

// chunkPlainText splits unstructured text into fragments by paragraph.
func chunkPlainText(content string, target, overlap int) []Fragment {
	fragments := chunkMarkdown(content, target, overlap)
	for i := range fragments {
		fragments[i].Section = ""
	}
	return fragments
}

func headingTitle(block string) string {
	firstLine := block
	if idx := strings.IndexByte(block, '\n'); idx >= 0 {
		firstLine = block[:idx]
	}
	trimmed := strings.TrimSpace(firstLine)
	if strings.HasPrefix(trimmed, "#") {
		return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
	}
	return ""
}

func overlapTail(text string, overlap int) string {
	text = strings.TrimSpace(text)
	if overlap <= 0 || len(text) <= overlap {
		return ""
	}
	tail := text[len(text)-overlap:]
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func firstNonEmptyLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func formatCSVRow(headers, row []string, idx int) string {
	builder := &strings.Builder{}
	builder.WriteString(fmt.Sprintf("Row %d", idx+1))

	limit := len(headers)
	if len(row) < limit {
		limit = len(row)
	}

	for i := 0; i < limit; i++ {
		header := strings.TrimSpace(headers[i])
		if header == "" {
			header = fmt.Sprintf("Column %d", i+1)
		}
		builder.WriteString("\n")
		builder.WriteString(header)
		builder.WriteString(": ")
		builder.WriteString(strings.TrimSpace(row[i]))
	}

	for i := len(headers); i < len(row); i++ {
		builder.WriteString("\n")
		builder.WriteString(fmt.Sprintf("Extra %d: %s", i+1, strings.TrimSpace(row[i])))
	}

	return builder.String()
}
