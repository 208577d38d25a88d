package usecase

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"qchat-gateway/internal/integrations/slack"
)

const (
	// maxInputChars is the chat backend's limit on one user message.
	maxInputChars    = 7000
	truncationWarn   = "| Please note that you do not have all the conversation history due to limitation"
	historySeparator = "\n----------\n"
	maxAttachments   = 5
)

var supportedFileTypes = map[string]bool{
	"text": true, "html": true, "xml": true, "markdown": true, "csv": true,
	"json": true, "xls": true, "xlsx": true, "ppt": true, "pptx": true,
	"doc": true, "docx": true, "rtf": true, "pdf": true,
}

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>`)

type historyEntry struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Date    string `json:"date,omitempty"`
}

func stripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

// buildPrompt joins an optional thread history preamble with the question.
func buildPrompt(history []historyEntry, question string) (string, error) {
	parts := make([]string, 0, 2)
	if len(history) > 0 {
		raw, err := json.Marshal(history)
		if err != nil {
			return "", fmt.Errorf("usecase: marshal thread history: %w", err)
		}
		parts = append(parts, "Given the following conversation thread history in JSON:\n"+string(raw))
	}
	parts = append(parts, stripMentions(question))
	return strings.Join(parts, historySeparator), nil
}

// truncateInput keeps the tail of an over-long input and appends a warning,
// so the most recent text survives.
func truncateInput(s string) string {
	n := utf8.RuneCountInString(s)
	if n <= maxInputChars {
		return s
	}
	keep := maxInputChars - utf8.RuneCountInString(truncationWarn)
	runes := []rune(s)
	return string(runes[n-keep:]) + truncationWarn
}

func slackTSToISO(ts string) string {
	if ts == "" {
		return ""
	}
	sec, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return ""
	}
	return time.UnixMilli(int64(sec * 1000)).UTC().Format(time.RFC3339Nano)
}

func attachable(f slack.File) bool {
	return f.Name != "" && f.URLDownload != "" && supportedFileTypes[f.FileType]
}

// channelKey identifies the conversation a message continues: the channel
// for direct messages, the thread for mentions.
func channelKey(eventType, team, channel, eventTS, threadTS string) string {
	if eventType == "message" {
		return team + ":" + channel
	}
	if threadTS != "" {
		return team + ":" + channel + ":" + threadTS
	}
	return team + ":" + channel + ":" + eventTS
}
