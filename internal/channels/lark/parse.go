package lark

import (
	"encoding/json"
	"fmt"
	"strings"
)

// messageEvent is the im.message.receive_v1 event envelope.
type messageEvent struct {
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
			SenderType string `json:"sender_type"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			RootID      string `json:"root_id"`
			ParentID    string `json:"parent_id"`
			CreateTime  string `json:"create_time"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"` // "p2p" or "group"
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			Mentions    []struct {
				Key string `json:"key"`
				ID  struct {
					OpenID string `json:"open_id"`
				} `json:"id"`
				Name string `json:"name"`
			} `json:"mentions"`
		} `json:"message"`
	} `json:"event"`
}

// parseContent flattens the platform's per-type content JSON into plain text.
func parseContent(rawContent, messageType string) string {
	if rawContent == "" {
		return ""
	}

	switch messageType {
	case "text":
		var textMsg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(rawContent), &textMsg); err == nil {
			return textMsg.Text
		}
		return rawContent

	case "post":
		return parsePostContent(rawContent)

	case "image":
		return "[image]"

	case "file":
		var fileMsg struct {
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal([]byte(rawContent), &fileMsg); err == nil {
			return fmt.Sprintf("[file: %s]", fileMsg.FileName)
		}
		return "[file]"

	default:
		return fmt.Sprintf("[%s message]", messageType)
	}
}

func parsePostContent(rawContent string) string {
	var post map[string]any
	if err := json.Unmarshal([]byte(rawContent), &post); err != nil {
		return rawContent
	}

	var langContent any
	for _, lang := range []string{"zh_cn", "en_us"} {
		if lc, ok := post[lang]; ok {
			langContent = lc
			break
		}
	}
	if langContent == nil {
		for _, v := range post {
			langContent = v
			break
		}
	}
	langMap, ok := langContent.(map[string]any)
	if !ok {
		return rawContent
	}
	contentArr, ok := langMap["content"].([]any)
	if !ok {
		return rawContent
	}

	var lines []string
	for _, para := range contentArr {
		paraArr, ok := para.([]any)
		if !ok {
			continue
		}
		var parts []string
		for _, elem := range paraArr {
			elemMap, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			tag, _ := elemMap["tag"].(string)
			switch tag {
			case "text", "md":
				if t, ok := elemMap["text"].(string); ok {
					parts = append(parts, t)
				}
			case "at":
				if name, ok := elemMap["user_name"].(string); ok {
					parts = append(parts, "@"+name)
				}
			case "a":
				href, _ := elemMap["href"].(string)
				text, _ := elemMap["text"].(string)
				if text != "" && href != "" {
					parts = append(parts, fmt.Sprintf("[%s](%s)", text, href))
				} else if href != "" {
					parts = append(parts, href)
				}
			case "img":
				parts = append(parts, "[image]")
			}
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, ""))
		}
	}
	return strings.Join(lines, "\n")
}

// stripMentionKeys removes the bot's @_user_N placeholders from text.
func stripMentionKeys(text string, keys []string) string {
	for _, k := range keys {
		if k != "" {
			text = strings.ReplaceAll(text, k, "")
		}
	}
	return strings.TrimSpace(text)
}

// buildPostContent wraps markdown text in the post message body.
func buildPostContent(text string) string {
	content := map[string]any{
		"zh_cn": map[string]any{
			"content": [][]map[string]any{
				{{"tag": "md", "text": text}},
			},
		},
	}
	data, _ := json.Marshal(content)
	return string(data)
}

// buildMarkdownCard builds a schema-2.0 interactive card with one markdown
// element.
func buildMarkdownCard(text string) map[string]any {
	return map[string]any{
		"schema": "2.0",
		"config": map[string]any{
			"wide_screen_mode": true,
		},
		"body": map[string]any{
			"elements": []map[string]any{
				{"tag": "markdown", "content": text},
			},
		},
	}
}

// buildStreamingCard builds the card entity body used for incremental text
// streaming: one markdown element updated in place by sequence number.
func buildStreamingCard(initial string) string {
	card := map[string]any{
		"schema": "2.0",
		"config": map[string]any{
			"streaming_mode": true,
		},
		"body": map[string]any{
			"elements": []map[string]any{
				{"tag": "markdown", "content": initial, "element_id": streamElementID},
			},
		},
	}
	data, _ := json.Marshal(card)
	return string(data)
}

// resolveDomain maps the config shorthand to a base URL.
func resolveDomain(domain string) string {
	switch domain {
	case "feishu":
		return "https://open.feishu.cn"
	case "", "lark":
		return "https://open.larksuite.com"
	default:
		if !strings.HasPrefix(domain, "http") {
			return "https://" + domain
		}
		return domain
	}
}

// resolveReceiveIDType infers the receive_id_type from the id prefix.
func resolveReceiveIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "oc_"):
		return "chat_id"
	case strings.HasPrefix(id, "ou_"):
		return "open_id"
	case strings.HasPrefix(id, "on_"):
		return "union_id"
	default:
		return "chat_id"
	}
}
