package analysis

import (
	"regexp"
	"strings"

	"github.com/agora-ai/agora/internal/model"
)

var (
	markdownLinkRe = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^\s)]+)\)`)
	bareURLRe      = regexp.MustCompile(`https?://[^\s)\]}>"']+`)
)

// extractCitations pulls source references out of a message's markdown:
// titled links first, then bare URLs not already captured.
func extractCitations(m model.Message) []model.Citation {
	var out []model.Citation
	seen := map[string]struct{}{}

	for _, match := range markdownLinkRe.FindAllStringSubmatch(m.Content, -1) {
		url := strings.TrimRight(match[2], ".,;")
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, model.Citation{
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			URL:            url,
			Title:          match[1],
		})
	}

	for _, url := range bareURLRe.FindAllString(m.Content, -1) {
		url = strings.TrimRight(url, ".,;")
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, model.Citation{
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			URL:            url,
		})
	}
	return out
}
