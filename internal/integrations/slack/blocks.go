// Package slack wraps the Slack Web API client and builds the Block Kit
// payloads the gateway sends.
package slack

import (
	"fmt"
	"strings"

	slackapi "github.com/slack-go/slack"

	"qchat-gateway/internal/domain"
)

// Action ids carried by interactive elements.
const (
	ActionViewSources  = "VIEW_SOURCES"
	ActionFeedbackUp   = "FEEDBACK_UP"
	ActionFeedbackDown = "FEEDBACK_DOWN"
	ActionSignIn       = "SIGN_IN"
)

const maxSnippet = 3000

// Block is a layout block.
type Block = slackapi.Block

// ModalView is a views.open payload.
type ModalView = slackapi.ModalViewRequest

func plainText(text string) *slackapi.TextBlockObject {
	return slackapi.NewTextBlockObject(slackapi.PlainTextType, text, true, false)
}

func MarkdownBlock(content string) Block {
	return slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, content, false, false), nil, nil)
}

func button(label string, style slackapi.Style, actionID, value string) *slackapi.ButtonBlockElement {
	b := slackapi.NewButtonBlockElement(actionID, value, plainText(label))
	b.Style = style
	return b
}

// ResponseBlocks renders an answer, with a sources button when citations exist.
func ResponseBlocks(content, systemMessageID string, sources []domain.SourceAttribution) []Block {
	if content == "" {
		return nil
	}
	blocks := []Block{MarkdownBlock(convertHeadings(content))}
	if len(sources) > 0 {
		blocks = append(blocks, slackapi.NewActionBlock("",
			button("View source(s)", slackapi.StylePrimary, ActionViewSources, systemMessageID)))
	}
	return blocks
}

// FeedbackBlocks renders thumbs up and down buttons for an answer.
func FeedbackBlocks(conversationID, systemMessageID string) []Block {
	return []Block{slackapi.NewActionBlock(
		fmt.Sprintf("feedback-%s-%s", conversationID, systemMessageID),
		button(":thumbsup:", slackapi.StylePrimary, ActionFeedbackUp, systemMessageID),
		button(":thumbsdown:", slackapi.StyleDanger, ActionFeedbackDown, systemMessageID),
	)}
}

// SignInBlocks renders a button linking to the authorization URL.
func SignInBlocks(authorizationURL string) []Block {
	b := button("Sign in to Amazon Q", slackapi.StylePrimary, ActionSignIn, "")
	b.URL = authorizationURL
	return []Block{slackapi.NewActionBlock("sign-in", b)}
}

// SourcesModal lists the citations of an answer.
func SourcesModal(title string, sources []domain.SourceAttribution) ModalView {
	var blocks []Block
	for i, s := range sources {
		if t := strings.TrimSpace(s.Title); t != "" {
			blocks = append(blocks, MarkdownBlock(fmt.Sprintf("%d) Title: *%s*", i+1, t)), slackapi.NewDividerBlock())
		}
		if u := strings.TrimSpace(s.URL); u != "" {
			blocks = append(blocks, MarkdownBlock(fmt.Sprintf("_From: %s_", u)), slackapi.NewDividerBlock())
		}
		if sn := strings.TrimSpace(s.Snippet); sn != "" {
			if len([]rune(sn)) > maxSnippet {
				sn = strings.TrimSpace(string([]rune(sn)[:maxSnippet-4])) + "..."
			}
			blocks = append(blocks, MarkdownBlock(sn), slackapi.NewDividerBlock())
		}
	}
	return ModalView{
		Type:   slackapi.VTModal,
		Title:  plainText(title),
		Blocks: slackapi.Blocks{BlockSet: blocks},
		Close:  plainText("Close"),
	}
}

// convertHeadings turns markdown headings into bold lines, which mrkdwn lacks.
func convertHeadings(content string) string {
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		if strings.HasPrefix(l, "#") {
			lines[i] = "*" + strings.TrimSpace(l[strings.LastIndex(l, "#")+1:]) + "*"
		}
	}
	return strings.Join(lines, "\n")
}
