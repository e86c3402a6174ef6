package llmclient

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// charsPerToken is the approximate number of characters per token.
// Used for threshold estimation only — not exact token counting.
const charsPerToken = 4

// Token budgets from spec.md §4.4.
const (
	CandidateSummaryMaxTokens = 200
	ItemTitleMaxTokens        = 80
	ItemSummaryMaxTokens      = 150
	StageTwoPromptMaxTokens   = 2500
	StageTwoCompletionMaxTokens = 300

	RAGContextMaxTokens     = 20000
	RAGCompletionMaxTokens  = 2000
	RAGSafetyMarginTokens   = 2000
	RAGEnvelopeMaxTokens    = 32000
)

// EstimateTokens returns an approximate token count for the given text,
// using the common ~4-characters-per-token heuristic for CJK/English
// mixed content.
//
// Note: len(text) counts bytes, not runes. For multi-byte UTF-8 content
// (the vast majority of Echoman's input) this overestimates the token
// count, which is the safe direction to err: truncation triggers
// slightly earlier than strictly necessary rather than overflowing the
// model's context window.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// truncateAtLineBoundary cuts content at the last newline before the
// byte budget maxChars, falling back to a UTF-8-safe rune boundary if no
// newline is found, then appends a marker describing the original size.
func truncateAtLineBoundary(content string, maxChars int, marker string) string {
	if maxChars <= 0 || len(content) <= maxChars {
		return content
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	truncated := content[:cut]
	if idx := strings.LastIndex(truncated, "\n"); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + fmt.Sprintf(
		"\n\n[TRUNCATED: %s — Original size: %s, limit: %s]",
		marker, formatSize(len(content)), formatSize(maxChars),
	)
}

func formatSize(bytes int) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	}
	return fmt.Sprintf("%dKB", bytes/1024)
}

// TruncateCandidateSummary truncates a stage-one candidate summary to
// its 200-token budget before it is persisted or sent downstream.
func TruncateCandidateSummary(content string) string {
	return truncateAtLineBoundary(content, CandidateSummaryMaxTokens*charsPerToken, "candidate summary exceeded limit")
}

// TruncateItemTitle truncates an item title to its 80-token budget.
func TruncateItemTitle(content string) string {
	return truncateAtLineBoundary(content, ItemTitleMaxTokens*charsPerToken, "item title exceeded limit")
}

// TruncateItemSummary truncates an item summary to its 150-token budget.
func TruncateItemSummary(content string) string {
	return truncateAtLineBoundary(content, ItemSummaryMaxTokens*charsPerToken, "item summary exceeded limit")
}

// TruncateStageTwoPrompt truncates a stage-two adjudication prompt body
// to its 2,500-token ceiling.
func TruncateStageTwoPrompt(content string) string {
	return truncateAtLineBoundary(content, StageTwoPromptMaxTokens*charsPerToken, "stage-two prompt exceeded limit")
}

// RAGAvailableContextTokens returns the token budget left for retrieved
// context once the safety margin is reserved out of the context budget,
// with a final check that context + completion + margin still fits the
// model's overall envelope.
func RAGAvailableContextTokens() int {
	available := RAGContextMaxTokens - RAGSafetyMarginTokens
	if RAGContextMaxTokens+RAGCompletionMaxTokens+RAGSafetyMarginTokens > RAGEnvelopeMaxTokens {
		available = RAGEnvelopeMaxTokens - RAGCompletionMaxTokens - RAGSafetyMarginTokens
	}
	return available
}

// PackToBudget appends passages to the result in order, skipping any
// passage whose cost would push the total past budgetTokens and
// continuing with the next one, and returns the packed passages and the
// count of passages skipped for exceeding the budget.
func PackToBudget(passages []string, budgetTokens int) (packed []string, dropped int) {
	used := 0
	for _, p := range passages {
		cost := EstimateTokens(p)
		if used+cost > budgetTokens {
			dropped++
			continue
		}
		packed = append(packed, p)
		used += cost
	}
	return packed, dropped
}

// RAGContextBudget computes how many tokens are left for retrieved
// context once the system prompt, the query, and the desired completion
// are reserved out of the model's overall envelope (spec.md §4.9 step
// 1: "32,000 − safety margin − system − query − completion").
func RAGContextBudget(systemPrompt, query string, completionTokens int) int {
	available := RAGEnvelopeMaxTokens - RAGSafetyMarginTokens -
		EstimateTokens(systemPrompt) - EstimateTokens(query) - completionTokens
	if available < 0 {
		return 0
	}
	return available
}

// PackContextChunks adds whole chunks to the packed context in order
// until the next one would exceed budgetTokens. The last chunk that
// doesn't fit whole is truncated in, but only if at least
// minTruncateTokens of budget remain — otherwise it is dropped, same as
// every chunk after it (spec.md §4.9 step 1: "truncate only the last
// chunk, and only if at least 100 tokens remain").
func PackContextChunks(chunks []string, budgetTokens, minTruncateTokens int) (packed []string, truncatedLast bool, dropped int) {
	used := 0
	for i, chunk := range chunks {
		remaining := budgetTokens - used
		cost := EstimateTokens(chunk)
		if cost <= remaining {
			packed = append(packed, chunk)
			used += cost
			continue
		}
		if remaining >= minTruncateTokens {
			packed = append(packed, truncateAtLineBoundary(chunk, remaining*charsPerToken, "context chunk truncated to fit token budget"))
			truncatedLast = true
			used = budgetTokens
		}
		dropped += len(chunks) - i
		if remaining >= minTruncateTokens {
			dropped--
		}
		break
	}
	return packed, truncatedLast, dropped
}
