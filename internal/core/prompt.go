package core

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"gwi.com/ragchat/internal/llm"
)

const persona = `You are a helpful assistant. Answer the question based on the provided context and conversation history.
If context is empty, use your general knowledge. Do not guess answers.
If you do not know the answer, say "Not Found".`

const formatting = `Format answers in Markdown. Use short paragraphs, bullet lists for enumerations and fenced code blocks for code.
Do not mention the context or the conversation history explicitly.`

const summaryInstruction = `Write a concise summary of the following documents. Cover the main topics, key facts and any conclusions.`

// HistoryMessage is one prior exchange as sent by the client.
type HistoryMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// RenderHistory formats the last limit messages, oldest first, one
// "Role: content" line each. A limit <= 0 keeps everything.
func RenderHistory(history []HistoryMessage, limit int) string {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", capitalize(m.Type), m.Content))
	}
	return strings.Join(lines, "\n")
}

// capitalize upper-cases the first letter and lower-cases the rest.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

// BuildAnswerPrompt composes the persona, formatting rules, retrieved
// context, history and question into a model conversation.
func BuildAnswerPrompt(contextText, history, question string) []llm.Message {
	var b strings.Builder
	b.WriteString("Context: ")
	b.WriteString(contextText)
	b.WriteString("\nConversation History: ")
	b.WriteString(history)
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\nAnswer:")

	return []llm.Message{
		{Role: llm.RoleSystem, Content: persona + "\n\n" + formatting},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

func buildSummaryPrompt(text string) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: summaryInstruction},
		{Role: llm.RoleUser, Content: text + "\n\nCONCISE SUMMARY:"},
	}
}

// containsAny reports whether text contains any of the keywords, ignoring case.
func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

const notFoundMarker = "not found"

// signalsNotFound is a loose heuristic: any answer mentioning "not found"
// counts, even when the phrase is part of a real answer.
func signalsNotFound(answer string) bool {
	return strings.Contains(strings.ToLower(answer), notFoundMarker)
}
