package synthesis

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Job is one piece of text waiting to be spoken in a guild.
type Job struct {
	ID         string
	GuildID    string
	Text       string
	StyleID    string
	Source     string
	EnqueuedAt time.Time
}

// NewJob builds a job with a fresh ID. The text is expected to be normalized already.
func NewJob(guildID, text, styleID, source string) Job {
	return Job{
		ID:         uuid.NewString(),
		GuildID:    guildID,
		Text:       text,
		StyleID:    styleID,
		Source:     source,
		EnqueuedAt: time.Now().UTC(),
	}
}

var urlPattern = regexp.MustCompile(`https?://\S+`)

const (
	urlPlaceholder = "URL省略"
	truncateSuffix = "...以下略"
)

// NormalizeText collapses whitespace, replaces links with a short placeholder and
// truncates to maxRunes. A maxRunes of zero disables truncation.
func NormalizeText(text string, maxRunes int) string {
	text = urlPattern.ReplaceAllString(text, urlPlaceholder)
	text = strings.Join(strings.Fields(text), " ")
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxRunes]) + truncateSuffix
}
