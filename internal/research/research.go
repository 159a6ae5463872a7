// Package research runs the bounded decide/search/read/continue loop
// that augments a turn with live web context.
//
// The loop is a small state machine: decide whether to search, search,
// decide which result pages to read, read them with a continue/stop
// check between pages, then decide whether the accumulated context
// suffices. Round and page caps terminate the loop regardless of what
// the decision model answers. Every transition emits a progress event;
// the raw decisions themselves are never shown to the client.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
	"github.com/Noah-Wu66/vectaix-relay/internal/fetch"
	"github.com/Noah-Wu66/vectaix-relay/internal/oracle"
	"github.com/Noah-Wu66/vectaix-relay/internal/search"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
)

// Loop bounds. The round and page caps are hard termination guarantees
// independent of oracle behavior.
const (
	maxSearchRounds = 10
	maxReadPages    = 10
	maxCandidates   = 8

	contextClipChars = 10000
	excerptClipChars = 800
	snippetClipChars = 300
	historyClipChars = 500
)

// Output is the result of one research run. Context is one block per
// round joined by blank lines, or empty if search never fired or
// produced nothing.
type Output struct {
	Context       string
	Citations     []chat.Citation
	ContextTokens int
}

// Orchestrator drives the research loop for one turn at a time.
type Orchestrator struct {
	oracle   *oracle.Oracle
	searcher *search.Manager
	fetcher  *fetch.Fetcher
	language string
	logger   *slog.Logger
}

// New creates a research orchestrator.
func New(o *oracle.Oracle, m *search.Manager, f *fetch.Fetcher, language string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		oracle:   o,
		searcher: m,
		fetcher:  f,
		language: language,
		logger:   logger.With("component", "research"),
	}
}

// Run executes the research loop for one prompt. A nil error with an
// empty Context means search was judged unnecessary or yielded nothing;
// the only error returned is context cancellation.
func (r *Orchestrator) Run(ctx context.Context, prompt string, history []chat.Message, emit sse.Emit) (Output, error) {
	st := &runState{
		readPages: make(map[string]bool),
		citedURLs: make(map[string]bool),
	}

	query := r.decideSearch(ctx, prompt, history, emit)
	if query == "" {
		return Output{}, ctx.Err()
	}

	for round := 0; round < maxSearchRounds; round++ {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}

		next, done := r.runRound(ctx, st, prompt, query, emit)
		if done || next == "" {
			break
		}
		query = next
	}

	if ctx.Err() != nil {
		return Output{}, ctx.Err()
	}

	out := Output{
		Context:   strings.Join(st.blocks, "\n\n"),
		Citations: st.citations,
	}
	out.ContextTokens = len(out.Context) / 4
	r.logger.Debug("research complete",
		"rounds", len(st.blocks), "pages", len(st.readPages), "tokens", out.ContextTokens)
	return out, nil
}

// runState is the per-turn accumulator shared across rounds.
type runState struct {
	blocks    []string
	citations []chat.Citation
	readPages map[string]bool
	citedURLs map[string]bool
}

func (st *runState) readQuota() int { return maxReadPages - len(st.readPages) }

func (st *runState) cite(url, title string) {
	if url == "" || st.citedURLs[url] {
		return
	}
	st.citedURLs[url] = true
	st.citations = append(st.citations, chat.Citation{URL: url, Title: title})
}

// lastBlocks returns up to the last n context blocks, for the
// sufficiency question.
func (st *runState) lastBlocks(n int) string {
	if len(st.blocks) > n {
		return strings.Join(st.blocks[len(st.blocks)-n:], "\n\n")
	}
	return strings.Join(st.blocks, "\n\n")
}

// runRound executes one search round. It returns the next query to run
// (empty for none) and whether the loop is finished.
func (r *Orchestrator) runRound(ctx context.Context, st *runState, prompt, query string, emit sse.Emit) (nextQuery string, done bool) {
	emit(sse.SearchStart(query))

	// The Brave web search API returns at most 20 results per request.
	results, err := r.searcher.Search(ctx, query, search.Options{Count: 20, Language: r.language})
	if err != nil {
		if ctx.Err() != nil {
			return "", true
		}
		r.logger.Warn("search failed", "query", query, "error", err)
		emit(sse.SearchError(err.Error()))
		return "", true
	}

	refs := make([]sse.ResultRef, 0, len(results))
	for _, res := range results {
		refs = append(refs, sse.ResultRef{URL: res.URL, Title: res.Title})
	}
	emit(sse.SearchResult(query, refs))

	var block strings.Builder
	fmt.Fprintf(&block, "query: %s\n", query)
	for _, res := range results {
		line := res.Snippet
		if line == "" {
			line = res.Summary
		}
		fmt.Fprintf(&block, "- %s (%s)", res.Title, res.URL)
		if res.Date != "" {
			fmt.Fprintf(&block, " [%s]", res.Date)
		}
		if line != "" {
			fmt.Fprintf(&block, ": %s", clip(line, snippetClipChars))
		}
		block.WriteByte('\n')
	}

	urls, titles := r.decideRead(ctx, st, prompt, query, results, emit)

	skipEnough := false
	for i, pageURL := range urls {
		if ctx.Err() != nil {
			return "", true
		}
		if st.readQuota() <= 0 {
			break
		}
		title := titles[pageURL]
		emit(sse.ReaderStart(pageURL, title))
		st.readPages[pageURL] = true

		page, err := r.fetcher.Fetch(ctx, pageURL, contextClipChars)
		if err != nil {
			if ctx.Err() != nil {
				return "", true
			}
			r.logger.Debug("page read failed", "url", pageURL, "error", err)
			emit(sse.ReaderError(pageURL, title))
			continue
		}
		if page.Title != "" {
			title = page.Title
		}
		emit(sse.ReaderResult(pageURL, title, clip(page.Content, excerptClipChars)))
		st.cite(pageURL, title)
		fmt.Fprintf(&block, "\n%s (%s):\n%s\n", title, pageURL, page.Content)

		if i == len(urls)-1 || st.readQuota() <= 0 {
			break
		}
		action := r.decideContinue(ctx, st, prompt, query, emit)
		if action.Action == oracle.ActionStop {
			if len(results) > 0 {
				st.blocks = append(st.blocks, strings.TrimSpace(block.String()))
			}
			if action.Enough {
				return "", true
			}
			// A fresh query replaces the per-round sufficiency check.
			skipEnough = true
			nextQuery = strings.TrimSpace(action.Query)
			break
		}
	}

	if !skipEnough {
		if len(results) > 0 {
			st.blocks = append(st.blocks, strings.TrimSpace(block.String()))
		}
		d := r.decideEnough(ctx, st, prompt, query, emit)
		if d.Enough {
			return "", true
		}
		nextQuery = strings.TrimSpace(d.Query)
	}

	if nextQuery == "" || nextQuery == query {
		return "", true
	}
	return nextQuery, false
}

// clip cuts s to at most n bytes, backing off to a rune boundary so
// multi-byte text never reaches the client or the oracle split mid-rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Decision prompts. Each demands a bare JSON object; anything else is
// treated as the negative answer by the parsers.

const searchSystemPrompt = `You decide whether answering a user question requires a live web search.
Questions about current events, prices, weather, schedules, recent releases, or anything time-sensitive need search. Questions answerable from general knowledge do not.
Respond with exactly one JSON object and nothing else:
{"need_search": true, "query": "<concise search query in the user's language>"}
or
{"need_search": false, "query": ""}`

const readSystemPrompt = `You select which search result pages deserve a full read to answer a user question.
Pick only pages likely to contain the needed facts. Respond with exactly one JSON object and nothing else:
{"need_read": true, "urls": ["<url>", ...]}
or
{"need_read": false, "urls": []}`

const continueSystemPrompt = `You are mid-way through reading selected search result pages for a user question.
Decide whether to keep reading the remaining selected pages or stop now.
Respond with exactly one JSON object and nothing else:
{"action": "continue", "enough": false, "query": ""}
or
{"action": "stop", "enough": true, "query": ""}  (gathered context already answers the question)
or
{"action": "stop", "enough": false, "query": "<new search query>"}  (remaining pages look useless, search differently)`

const enoughSystemPrompt = `You judge whether gathered web context suffices to answer a user question.
Respond with exactly one JSON object and nothing else:
{"enough": true, "query": ""}
or
{"enough": false, "query": "<different follow-up search query>"}`

func (r *Orchestrator) decideSearch(ctx context.Context, prompt string, history []chat.Message, emit sse.Emit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s.\n\n", time.Now().Format("2006-01-02"))
	if h := historyDigest(history); h != "" {
		fmt.Fprintf(&b, "Recent conversation:\n%s\n\n", h)
	}
	fmt.Fprintf(&b, "User question: %s", prompt)

	raw := r.oracle.Decide(ctx, searchSystemPrompt, b.String(), emit)
	d := oracle.ParseSearchDecision(raw)
	if !d.NeedSearch {
		return ""
	}
	return strings.TrimSpace(d.Query)
}

func (r *Orchestrator) decideRead(ctx context.Context, st *runState, prompt, query string, results []search.Result, emit sse.Emit) ([]string, map[string]string) {
	quota := st.readQuota()
	if quota <= 0 {
		return nil, nil
	}

	titles := make(map[string]string)
	candidates := make([]search.Result, 0, maxCandidates)
	for _, res := range results {
		if st.readPages[res.URL] {
			continue
		}
		candidates = append(candidates, res)
		if len(candidates) == maxCandidates {
			break
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User question: %s\nSearch query: %s\n\nCandidates:\n", prompt, query)
	for i, res := range candidates {
		titles[res.URL] = res.Title
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, res.Title, res.URL)
		if res.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", clip(res.Snippet, snippetClipChars))
		}
	}
	if len(st.readPages) > 0 {
		b.WriteString("\nAlready read:\n")
		for u := range st.readPages {
			fmt.Fprintf(&b, "- %s\n", u)
		}
	}
	fmt.Fprintf(&b, "\nYou may pick at most %d URLs.", quota)

	raw := r.oracle.Decide(ctx, readSystemPrompt, b.String(), emit)
	d := oracle.ParseReadDecision(raw)
	if !d.NeedRead {
		return nil, nil
	}

	urls := make([]string, 0, quota)
	for _, u := range d.URLs {
		u = strings.TrimSpace(u)
		if u == "" || st.readPages[u] {
			continue
		}
		if _, ok := titles[u]; !ok {
			continue
		}
		urls = append(urls, u)
		if len(urls) == quota {
			break
		}
	}
	return urls, titles
}

func (r *Orchestrator) decideContinue(ctx context.Context, st *runState, prompt, query string, emit sse.Emit) oracle.ContinueDecision {
	var b strings.Builder
	fmt.Fprintf(&b, "User question: %s\nCurrent search query: %s\nPages read so far: %d of %d allowed.\n\nGathered context:\n%s",
		prompt, query, len(st.readPages), maxReadPages, clip(st.lastBlocks(2), contextClipChars))

	raw := r.oracle.Decide(ctx, continueSystemPrompt, b.String(), emit)
	return oracle.ParseContinueDecision(raw)
}

func (r *Orchestrator) decideEnough(ctx context.Context, st *runState, prompt, query string, emit sse.Emit) oracle.EnoughDecision {
	var b strings.Builder
	fmt.Fprintf(&b, "User question: %s\nLast search query: %s\n\nGathered context:\n%s",
		prompt, query, clip(st.lastBlocks(2), contextClipChars))

	raw := r.oracle.Decide(ctx, enoughSystemPrompt, b.String(), emit)
	return oracle.ParseEnoughDecision(raw)
}

// historyDigest condenses recent messages for the search decision.
func historyDigest(history []chat.Message) string {
	recent := chat.Window(history, 4)
	var b strings.Builder
	for _, m := range recent {
		text := chat.TextOf(m)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, clip(text, historyClipChars))
	}
	return strings.TrimSpace(b.String())
}
