// Package qa implements the document-to-QA pipeline: section extraction,
// content quality scoring, QA pair generation and QA pair evaluation.
package qa

import (
	"fmt"
	"strings"
)

// Section is a titled chunk of document content.
type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// maxChunkSize bounds untitled document chunks so a single section
// stays within a reasonable prompt size.
const maxChunkSize = 2000

// ExtractSections splits document text into titled sections. Markdown
// headings act as section boundaries; documents without headings are
// chunked by paragraphs up to maxChunkSize characters per section.
func ExtractSections(content string) []Section {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")

	sections := []Section{}
	var current *Section
	for _, line := range lines {
		if title, ok := headingTitle(line); ok {
			if current != nil && strings.TrimSpace(current.Content) != "" {
				current.Content = strings.TrimSpace(current.Content)
				sections = append(sections, *current)
			}
			current = &Section{Title: title}
			continue
		}
		if current != nil {
			current.Content += line + "\n"
		} else if strings.TrimSpace(line) != "" {
			// content before the first heading
			current = &Section{Title: "Introduction", Content: line + "\n"}
		}
	}
	if current != nil && strings.TrimSpace(current.Content) != "" {
		current.Content = strings.TrimSpace(current.Content)
		sections = append(sections, *current)
	}

	if len(sections) > 0 {
		return sections
	}
	return chunkParagraphs(content)
}

// headingTitle detects a markdown heading line and returns its title.
func headingTitle(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return "", false
	}
	title := strings.TrimLeft(trimmed, "#")
	if title == trimmed || !strings.HasPrefix(title, " ") && title != "" {
		return "", false // requires "# title" form, not a bare hash run or #tag
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "", false
	}
	return title, true
}

// chunkParagraphs groups paragraphs into fixed-size chunks for documents
// without any heading structure.
func chunkParagraphs(content string) []Section {
	paragraphs := strings.Split(content, "\n\n")
	sections := []Section{}
	var buf strings.Builder
	flush := func() {
		text := strings.TrimSpace(buf.String())
		if text == "" {
			return
		}
		sections = append(sections, Section{
			Title:   fmt.Sprintf("Section %d", len(sections)+1),
			Content: text,
		})
		buf.Reset()
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if buf.Len() > 0 && buf.Len()+len(p) > maxChunkSize {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
	}
	flush()
	return sections
}
