package stream

import "regexp"

// sendFileTagPattern matches an opening send_file element carrying a path
// attribute, with arbitrary inner content (including newlines) up to its
// closing tag, matched non-greedily so adjacent tags are not merged.
var sendFileTagPattern = regexp.MustCompile(`(?s)<send_file\s+path="([^"]*)"\s*>(.*?)</send_file>`)

// extractSendFileTags strips every send_file tag from raw, returning the
// remaining text and the extracted (path, description) pairs in order of
// appearance.
func extractSendFileTags(raw string) (string, []Attachment) {
	var attachments []Attachment
	text := sendFileTagPattern.ReplaceAllStringFunc(raw, func(match string) string {
		groups := sendFileTagPattern.FindStringSubmatch(match)
		attachments = append(attachments, Attachment{Path: groups[1], Description: groups[2]})
		return ""
	})
	return text, attachments
}
