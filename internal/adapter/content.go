package adapter

import (
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

var htmlTagPattern = regexp.MustCompile(`(?i)</?(p|div|span|br|a|ul|ol|li|h[1-6]|table|strong|em|blockquote|pre|code)\b`)

// NormalizeContent converts HTML payload bodies to markdown before they
// enter the graph, so that content from chat and document platforms is
// stored in one shape. Plain text and markdown pass through unchanged,
// as does anything the converter cannot handle.
func NormalizeContent(s string) string {
	if !htmlTagPattern.MatchString(s) {
		return s
	}
	md, err := htmltomarkdown.ConvertString(s)
	if err != nil {
		return s
	}
	return strings.TrimSpace(md)
}
