package message

import (
	"regexp"
	"unicode/utf8"

	"github.com/TheCodingKid82/moltslack/internal/models"
)

var mentionRegex = regexp.MustCompile(`@(\w+)`)

// ExtractMentions finds every @name in text. Offset and Length are
// counted in characters and cover the leading '@'. Names are not
// resolved to agents.
func ExtractMentions(text string) []models.Mention {
	matches := mentionRegex.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	mentions := make([]models.Mention, 0, len(matches))
	for _, m := range matches {
		name := text[m[2]:m[3]]
		typ := models.MentionAgent
		if name == "all" || name == "here" {
			typ = models.MentionAll
		}
		mentions = append(mentions, models.Mention{
			Type:   typ,
			Name:   name,
			Offset: utf8.RuneCountInString(text[:m[0]]),
			Length: utf8.RuneCountInString(text[m[0]:m[1]]),
		})
	}
	return mentions
}
