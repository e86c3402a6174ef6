// Package rag implements the RAG Reader of spec.md §4.9: topic-mode
// and global-mode retrieval over the vector index, token-budgeted
// context packing, and a streaming answer built from an LLM chat
// completion, mirroring the teacher's streaming-chunk idiom in
// pkg/agent/llm_client.go generalized to this reader's four event
// kinds.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/echoman-project/echoman/pkg/config"
	"github.com/echoman-project/echoman/pkg/embedding"
	"github.com/echoman-project/echoman/pkg/llmclient"
	"github.com/echoman-project/echoman/pkg/models"
	"github.com/echoman-project/echoman/pkg/store"
	"github.com/echoman-project/echoman/pkg/vectorindex"
)

// recallOverfetch is how many source_item vector matches topic mode
// asks the index for before post-filtering to this topic's own nodes,
// since vectorindex.Where has no topic_id predicate (source_item
// vectors aren't tagged with one — see pkg/eventmerge embedAndIndex).
const recallOverfetch = 500

// Mode selects which of spec.md §4.9's two retrieval paths a Request
// uses.
type Mode string

const (
	ModeTopic  Mode = "topic"
	ModeGlobal Mode = "global"
)

// Request is one natural-language query into the reader.
type Request struct {
	Mode    Mode
	Query   string
	TopicID string // required when Mode == ModeTopic
}

// EventType identifies the kind of one streamed Event.
type EventType string

const (
	EventTypeToken     EventType = "token"
	EventTypeCitations EventType = "citations"
	EventTypeDone      EventType = "done"
	EventTypeError     EventType = "error"
)

// Event is the interface every streamed reader event implements. A
// successful stream is token* -> citations -> done (spec.md §4.9/§5); a
// failed stream ends with a single error event, possibly after some
// tokens, and carries no citations event. An error event is always last.
type Event interface {
	eventType() EventType
}

// TokenEvent carries one incremental piece of the answer's text.
type TokenEvent struct{ Content string }

// Citation is one piece of evidence the answer drew on: a topic
// summary or a single source node.
type Citation struct {
	TopicID     string
	ItemID      string // empty when the citation is a topic summary, not a node
	Title       string
	Platform    string
	URL         string
	Snippet     string
	PublishedAt *time.Time
}

// CitationsEvent lists every piece of evidence recalled for the
// answer, in the order it was packed into the prompt.
type CitationsEvent struct{ Citations []Citation }

// DoneEvent closes out a successful stream with retrieval/generation
// diagnostics (spec.md §4.9 "a done event with diagnostics").
type DoneEvent struct {
	LatencyMS          int64
	PromptTokens       int
	CompletionTokens   int
	ChunkCount         int
	ChunksDropped      int
	TruncatedLastChunk bool
	Fallback           bool
}

// ErrorEvent terminates a stream that failed; the provider's own
// message is forwarded verbatim (spec.md §4.9 "LLM errors propagate as
// error events with the provider message").
type ErrorEvent struct{ Message string }

func (TokenEvent) eventType() EventType     { return EventTypeToken }
func (CitationsEvent) eventType() EventType { return EventTypeCitations }
func (DoneEvent) eventType() EventType      { return EventTypeDone }
func (ErrorEvent) eventType() EventType     { return EventTypeError }

const systemPromptTemplate = `You are Echoman's topic assistant. Answer strictly from the provided evidence below. If the evidence is insufficient to answer the question, say so plainly rather than guessing.`

const fallbackAnswer = "I don't have enough indexed material to answer that yet."

// Reader answers natural-language queries against topics and their
// summaries/nodes.
type Reader struct {
	Topics    *store.TopicStore
	Items     *store.SourceItemStore
	Summaries *store.SummaryStore

	Embedder embedding.Embedder
	Index    vectorindex.Index
	Chat     llmclient.ChatClient

	Config config.RAGConfig
}

type recallResult struct {
	chunks     []string
	citations  []Citation
	topicNotes []string // additional plain context (e.g. the queried topic's own summary), prepended to chunks
}

// Answer runs one retrieval-augmented query and returns a channel of
// streamed Events. The channel is always closed by the time the
// terminal done/error event has been sent.
func (r *Reader) Answer(ctx context.Context, req Request) (<-chan Event, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("rag: query is required")
	}
	if req.Mode == ModeTopic && req.TopicID == "" {
		return nil, fmt.Errorf("rag: topic_id is required for topic mode")
	}
	if req.Mode != ModeTopic && req.Mode != ModeGlobal {
		return nil, fmt.Errorf("rag: unknown mode %q", req.Mode)
	}

	out := make(chan Event)
	go r.run(ctx, req, out)
	return out, nil
}

func (r *Reader) run(ctx context.Context, req Request, out chan<- Event) {
	defer close(out)
	start := time.Now()

	var (
		recall recallResult
		err     error
	)
	switch req.Mode {
	case ModeTopic:
		recall, err = r.recallTopicMode(ctx, req.TopicID, req.Query)
	case ModeGlobal:
		recall, err = r.recallGlobalMode(ctx, req.Query)
	}
	if err != nil {
		emit(ctx, out, ErrorEvent{Message: err.Error()})
		return
	}

	allChunks := append(append([]string{}, recall.topicNotes...), recall.chunks...)
	if len(allChunks) == 0 {
		if !emit(ctx, out, TokenEvent{Content: fallbackAnswer}) {
			return
		}
		if !emit(ctx, out, CitationsEvent{Citations: nil}) {
			return
		}
		emit(ctx, out, DoneEvent{
			LatencyMS: time.Since(start).Milliseconds(),
			Fallback:  true,
		})
		return
	}

	budget := llmclient.RAGContextBudget(systemPromptTemplate, req.Query, r.Config.CompletionTokens)
	packed, truncatedLast, dropped := llmclient.PackContextChunks(allChunks, budget, r.Config.MinTruncateTokens)

	prompt := buildPrompt(req.Query, packed)
	stream, err := r.Chat.Stream(ctx, llmclient.ChatRequest{
		SystemPrompt: systemPromptTemplate,
		Messages:     []llmclient.ChatMessage{{Role: llmclient.ChatRoleUser, Content: prompt}},
		MaxTokens:    r.Config.CompletionTokens,
	})
	if err != nil {
		emit(ctx, out, ErrorEvent{Message: err.Error()})
		return
	}

	var usage llmclient.UsageDelta
	for ev := range stream {
		switch e := ev.(type) {
		case llmclient.TokenDelta:
			if !emit(ctx, out, TokenEvent{Content: e.Content}) {
				return
			}
		case llmclient.UsageDelta:
			usage = e
		case llmclient.StreamError:
			emit(ctx, out, ErrorEvent{Message: e.Message})
			return
		}
	}

	if !emit(ctx, out, CitationsEvent{Citations: recall.citations}) {
		return
	}
	emit(ctx, out, DoneEvent{
		LatencyMS:          time.Since(start).Milliseconds(),
		PromptTokens:       usage.PromptTokens,
		CompletionTokens:   usage.CompletionTokens,
		ChunkCount:         len(packed),
		ChunksDropped:      dropped,
		TruncatedLastChunk: truncatedLast,
	})
}

// emit sends one event unless the consumer's context is already gone,
// so an abandoned stream never wedges this goroutine.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildPrompt(query string, chunks []string) string {
	var b strings.Builder
	b.WriteString("Evidence:\n\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, c)
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\nAnswer strictly from the evidence above. If it is insufficient, say so.")
	return b.String()
}

// recallTopicMode implements spec.md §4.9's topic-mode retrieval: the
// topic's current summary plus up to TopicModeTopK ranked node
// excerpts, restricted to nodes that actually belong to this topic.
func (r *Reader) recallTopicMode(ctx context.Context, topicID, query string) (recallResult, error) {
	topic, err := r.Topics.Get(ctx, topicID)
	if err != nil {
		return recallResult{}, fmt.Errorf("rag: load topic %s: %w", topicID, err)
	}

	var notes []string
	if topic.SummaryID != nil {
		sm, err := r.Summaries.Get(ctx, *topic.SummaryID)
		if err == nil {
			notes = append(notes, fmt.Sprintf("Topic summary (%s): %s", topic.TitleKey, sm.Content))
		}
	}

	nodes, err := r.Topics.ListNodes(ctx, topicID)
	if err != nil {
		return recallResult{}, fmt.Errorf("rag: list topic nodes: %w", err)
	}
	memberIDs := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		memberIDs[n.SourceItemID] = true
	}
	if len(memberIDs) == 0 {
		return recallResult{topicNotes: notes}, nil
	}

	vec, err := r.Embedder.Embed(ctx, query)
	if err != nil {
		return recallResult{}, fmt.Errorf("rag: embed query: %w", err)
	}

	matches, err := r.Index.Query(ctx, vec, recallOverfetch, vectorindex.Where{ObjectType: "source_item"})
	if err != nil {
		return recallResult{}, fmt.Errorf("rag: query vector index: %w", err)
	}

	topK := r.Config.TopicModeTopK
	if topK <= 0 {
		topK = 5
	}

	var itemIDs []string
	for _, m := range matches {
		if m.Score < 0 {
			continue
		}
		objectID, _ := m.Payload["object_id"].(string)
		if objectID == "" || !memberIDs[objectID] {
			continue
		}
		itemIDs = append(itemIDs, objectID)
		if len(itemIDs) >= topK {
			break
		}
	}
	if len(itemIDs) == 0 {
		return recallResult{topicNotes: notes}, nil
	}

	items, err := r.Items.ListByIDs(ctx, itemIDs)
	if err != nil {
		return recallResult{}, fmt.Errorf("rag: resolve recalled items: %w", err)
	}
	byID := make(map[string]models.SourceItem, len(items))
	for _, it := range items {
		byID[it.ItemID] = it
	}

	chunks := make([]string, 0, len(itemIDs))
	citations := make([]Citation, 0, len(itemIDs))
	for _, id := range itemIDs {
		it, ok := byID[id]
		if !ok {
			continue
		}
		chunks = append(chunks, nodeChunk(it))
		citations = append(citations, nodeCitation(topicID, it))
	}

	return recallResult{chunks: chunks, citations: citations, topicNotes: notes}, nil
}

// recallGlobalMode implements spec.md §4.9's global-mode retrieval:
// the top GlobalModeTopK topic summaries by similarity, each paired
// with its 1-2 most recent nodes.
func (r *Reader) recallGlobalMode(ctx context.Context, query string) (recallResult, error) {
	vec, err := r.Embedder.Embed(ctx, query)
	if err != nil {
		return recallResult{}, fmt.Errorf("rag: embed query: %w", err)
	}

	topK := r.Config.GlobalModeTopK
	if topK <= 0 {
		topK = 10
	}
	matches, err := r.Index.Query(ctx, vec, topK, vectorindex.Where{ObjectType: "topic_summary"})
	if err != nil {
		return recallResult{}, fmt.Errorf("rag: query vector index: %w", err)
	}

	recentNodes := r.Config.GlobalModeNodes
	if recentNodes <= 0 {
		recentNodes = 2
	}

	var chunks []string
	var citations []Citation
	for _, m := range matches {
		if m.Score < 0 {
			continue
		}
		topicID, _ := m.Payload["topic_id"].(string)
		if topicID == "" {
			continue
		}
		topic, err := r.Topics.Get(ctx, topicID)
		if err != nil {
			continue
		}
		summaryContent := ""
		if topic.SummaryID != nil {
			if sm, err := r.Summaries.Get(ctx, *topic.SummaryID); err == nil {
				summaryContent = sm.Content
			}
		}

		nodes, err := r.Topics.ListNodes(ctx, topicID)
		if err != nil {
			continue
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].AppendedAt.After(nodes[j].AppendedAt) })
		if len(nodes) > recentNodes {
			nodes = nodes[:recentNodes]
		}

		var recentIDs []string
		for _, n := range nodes {
			recentIDs = append(recentIDs, n.SourceItemID)
		}
		var recentItems []models.SourceItem
		if len(recentIDs) > 0 {
			recentItems, _ = r.Items.ListByIDs(ctx, recentIDs)
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Topic %q summary: %s", topic.TitleKey, summaryContent)
		for _, it := range recentItems {
			fmt.Fprintf(&b, "\nRecent (%s, %s): %s", it.Platform, it.URL, it.Title)
		}
		chunks = append(chunks, b.String())
		citations = append(citations, Citation{TopicID: topicID, Title: topic.TitleKey})
		for _, it := range recentItems {
			citations = append(citations, nodeCitation(topicID, it))
		}
	}

	return recallResult{chunks: chunks, citations: citations}, nil
}

func nodeChunk(it models.SourceItem) string {
	return fmt.Sprintf("%s (%s): %s", it.Title, it.Platform, it.Summary)
}

func nodeCitation(topicID string, it models.SourceItem) Citation {
	snippet := it.Summary
	if runes := []rune(snippet); len(runes) > 240 {
		snippet = string(runes[:240])
	}
	return Citation{
		TopicID:     topicID,
		ItemID:      it.ItemID,
		Title:       it.Title,
		Platform:    it.Platform,
		URL:         it.URL,
		Snippet:     snippet,
		PublishedAt: it.PublishedAt,
	}
}
