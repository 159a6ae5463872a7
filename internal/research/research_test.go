package research

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Noah-Wu66/vectaix-relay/internal/fetch"
	"github.com/Noah-Wu66/vectaix-relay/internal/oracle"
	"github.com/Noah-Wu66/vectaix-relay/internal/provider"
	"github.com/Noah-Wu66/vectaix-relay/internal/search"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
)

// scriptedModel answers each decision call with the next canned string.
// Exhausting the script yields empty answers, which parse as negatives.
type scriptedModel struct {
	answers []string
	calls   int
}

func (s *scriptedModel) Family() string { return "test" }

func (s *scriptedModel) Stream(ctx context.Context, req provider.Request, emit sse.Emit) error {
	answer := ""
	if s.calls < len(s.answers) {
		answer = s.answers[s.calls]
	}
	s.calls++
	if answer != "" {
		emit(sse.Text(answer))
	}
	return nil
}

// fakeSearch returns fixed results, or an error. When rounds is set,
// each call returns the next result set, sticking on the last one.
type fakeSearch struct {
	results []search.Result
	rounds  [][]search.Result
	err     error
	calls   int
	queries []string
}

func (f *fakeSearch) Name() string { return "brave" }

func (f *fakeSearch) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	f.calls++
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.rounds) > 0 {
		i := f.calls - 1
		if i >= len(f.rounds) {
			i = len(f.rounds) - 1
		}
		return f.rounds[i], nil
	}
	return f.results, nil
}

func newOrchestrator(model *scriptedModel, searcher *fakeSearch) *Orchestrator {
	orc := oracle.New(model, "fast", 256, nil)
	mgr := search.NewManager("brave")
	mgr.Register(searcher)
	return New(orc, mgr, fetch.NewFetcher(), "", nil)
}

type eventLog struct {
	events []sse.Event
}

func (l *eventLog) emit(ev sse.Event) { l.events = append(l.events, ev) }

func (l *eventLog) count(typ string) int {
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestNoSearchNeeded(t *testing.T) {
	model := &scriptedModel{answers: []string{`{"need_search":false,"query":""}`}}
	searcher := &fakeSearch{}
	r := newOrchestrator(model, searcher)

	var log eventLog
	out, err := r.Run(context.Background(), "what is a monad", nil, log.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Context != "" || out.ContextTokens != 0 {
		t.Errorf("output = %+v, want empty", out)
	}
	if searcher.calls != 0 {
		t.Errorf("search called %d times", searcher.calls)
	}
	if log.count(sse.TypeSearchStart) != 0 {
		t.Error("search_start emitted without a search")
	}
}

// One positive search decision followed by an immediate "enough" yields
// exactly one search_start/search_result pair and no further calls.
func TestSingleRoundStopsOnEnough(t *testing.T) {
	model := &scriptedModel{answers: []string{
		`{"need_search":true,"query":"北京今天天气"}`,
		`{"need_read":false,"urls":[]}`,
		`{"enough":true,"query":""}`,
	}}
	searcher := &fakeSearch{results: []search.Result{
		{Title: "北京天气预报", URL: "https://weather.example/bj", Snippet: "晴 28°C"},
	}}
	r := newOrchestrator(model, searcher)

	var log eventLog
	out, err := r.Run(context.Background(), "今天北京天气", nil, log.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if searcher.calls != 1 {
		t.Errorf("search calls = %d, want 1", searcher.calls)
	}
	if got := log.count(sse.TypeSearchStart); got != 1 {
		t.Errorf("search_start = %d, want 1", got)
	}
	if got := log.count(sse.TypeSearchResult); got != 1 {
		t.Errorf("search_result = %d, want 1", got)
	}
	if got := log.count(sse.TypeSearchReaderStart); got != 0 {
		t.Errorf("reader started %d times without a read decision", got)
	}
	if !strings.HasPrefix(out.Context, "query: 北京今天天气\n") {
		t.Errorf("context block = %q", out.Context)
	}
	if out.ContextTokens != len(out.Context)/4 {
		t.Errorf("tokens = %d, want %d", out.ContextTokens, len(out.Context)/4)
	}
}

// The loop terminates at the round cap even when the oracle always asks
// for one more query.
func TestRoundCapTerminates(t *testing.T) {
	var answers []string
	answers = append(answers, `{"need_search":true,"query":"q0"}`)
	for i := 0; i < 50; i++ {
		answers = append(answers,
			`{"need_read":false,"urls":[]}`,
			fmt.Sprintf(`{"enough":false,"query":"q%d"}`, i+1),
		)
	}
	model := &scriptedModel{answers: answers}
	searcher := &fakeSearch{results: []search.Result{{Title: "t", URL: "https://r.example", Snippet: "s"}}}
	r := newOrchestrator(model, searcher)

	var log eventLog
	if _, err := r.Run(context.Background(), "prompt", nil, log.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := log.count(sse.TypeSearchStart); got > maxSearchRounds {
		t.Errorf("search rounds = %d, cap is %d", got, maxSearchRounds)
	}
	if searcher.calls > maxSearchRounds {
		t.Errorf("search calls = %d, cap is %d", searcher.calls, maxSearchRounds)
	}
}

// A repeated follow-up query ends the loop instead of burning rounds on
// the same search.
func TestSameQueryEndsLoop(t *testing.T) {
	model := &scriptedModel{answers: []string{
		`{"need_search":true,"query":"same"}`,
		`{"need_read":false,"urls":[]}`,
		`{"enough":false,"query":"same"}`,
	}}
	searcher := &fakeSearch{results: []search.Result{{Title: "t", URL: "https://r.example"}}}
	r := newOrchestrator(model, searcher)

	var log eventLog
	if _, err := r.Run(context.Background(), "prompt", nil, log.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if searcher.calls != 1 {
		t.Errorf("search calls = %d, want 1", searcher.calls)
	}
}

func TestReadPathEmitsEventsAndCitations(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Beijing Weather</title></head><body><p>Sunny, 28 degrees.</p></body></html>`)
	}))
	defer page.Close()

	model := &scriptedModel{answers: []string{
		`{"need_search":true,"query":"beijing weather"}`,
		fmt.Sprintf(`{"need_read":true,"urls":["%s"]}`, page.URL),
		`{"enough":true,"query":""}`,
	}}
	searcher := &fakeSearch{results: []search.Result{
		{Title: "Beijing Weather", URL: page.URL, Snippet: "forecast"},
	}}
	r := newOrchestrator(model, searcher)

	var log eventLog
	out, err := r.Run(context.Background(), "beijing weather today", nil, log.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if log.count(sse.TypeSearchReaderStart) != 1 || log.count(sse.TypeSearchReaderResult) != 1 {
		t.Errorf("reader events: start=%d result=%d, want 1/1",
			log.count(sse.TypeSearchReaderStart), log.count(sse.TypeSearchReaderResult))
	}
	if !strings.Contains(out.Context, "Sunny, 28 degrees.") {
		t.Errorf("page text missing from context: %q", out.Context)
	}
	if len(out.Citations) != 1 || out.Citations[0].URL != page.URL {
		t.Errorf("citations = %+v", out.Citations)
	}
	if out.Citations[0].Title != "Beijing Weather" {
		t.Errorf("citation title = %q", out.Citations[0].Title)
	}
}

// A failed page read reports search_reader_error and the run carries on.
func TestReaderFailureIsNonFatal(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer page.Close()

	model := &scriptedModel{answers: []string{
		`{"need_search":true,"query":"q"}`,
		fmt.Sprintf(`{"need_read":true,"urls":["%s"]}`, page.URL),
		`{"enough":true,"query":""}`,
	}}
	searcher := &fakeSearch{results: []search.Result{{Title: "dead page", URL: page.URL}}}
	r := newOrchestrator(model, searcher)

	var log eventLog
	out, err := r.Run(context.Background(), "prompt", nil, log.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.count(sse.TypeSearchReaderError) != 1 {
		t.Errorf("reader_error = %d, want 1", log.count(sse.TypeSearchReaderError))
	}
	if len(out.Citations) != 0 {
		t.Errorf("failed read produced citations: %+v", out.Citations)
	}
}

// pageServer serves a distinct HTML page for every path.
func pageServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><head><title>Page %s</title></head><body><p>Facts from %s.</p></body></html>`,
			r.URL.Path, r.URL.Path)
	}))
	t.Cleanup(server.Close)
	return server
}

func resultsFor(base string, names ...string) []search.Result {
	out := make([]search.Result, 0, len(names))
	for _, n := range names {
		out = append(out, search.Result{Title: n, URL: base + "/" + n, Snippet: "about " + n})
	}
	return out
}

func readDecisionFor(results []search.Result) string {
	quoted := make([]string, 0, len(results))
	for _, res := range results {
		quoted = append(quoted, fmt.Sprintf("%q", res.URL))
	}
	return fmt.Sprintf(`{"need_read":true,"urls":[%s]}`, strings.Join(quoted, ","))
}

// A continue answer between pages keeps the read sub-loop going until
// the selected list is exhausted.
func TestContinueReadsAllSelectedPages(t *testing.T) {
	server := pageServer(t)
	results := resultsFor(server.URL, "a1", "a2")

	model := &scriptedModel{answers: []string{
		`{"need_search":true,"query":"q"}`,
		readDecisionFor(results),
		`{"action":"continue","enough":false,"query":""}`,
		`{"enough":true,"query":""}`,
	}}
	searcher := &fakeSearch{results: results}
	r := newOrchestrator(model, searcher)

	var log eventLog
	out, err := r.Run(context.Background(), "prompt", nil, log.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := log.count(sse.TypeSearchReaderStart); got != 2 {
		t.Errorf("reader_start = %d, want 2", got)
	}
	for _, name := range []string{"/a1", "/a2"} {
		if !strings.Contains(out.Context, "Facts from "+name) {
			t.Errorf("context missing page %s: %q", name, out.Context)
		}
	}
}

// A stop-with-enough answer mid-read ends the whole loop: the remaining
// selected pages are never fetched and the sufficiency oracle is never
// consulted.
func TestStopEnoughEndsLoopMidRead(t *testing.T) {
	server := pageServer(t)
	results := resultsFor(server.URL, "a1", "a2")

	model := &scriptedModel{answers: []string{
		`{"need_search":true,"query":"q"}`,
		readDecisionFor(results),
		`{"action":"stop","enough":true,"query":""}`,
	}}
	searcher := &fakeSearch{results: results}
	r := newOrchestrator(model, searcher)

	var log eventLog
	out, err := r.Run(context.Background(), "prompt", nil, log.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := log.count(sse.TypeSearchReaderStart); got != 1 {
		t.Errorf("reader_start = %d, want 1", got)
	}
	if model.calls != 3 {
		t.Errorf("oracle calls = %d, want 3 (search, read, continue)", model.calls)
	}
	if searcher.calls != 1 {
		t.Errorf("search calls = %d, want 1", searcher.calls)
	}
	if !strings.Contains(out.Context, "Facts from /a1") {
		t.Errorf("context missing read page: %q", out.Context)
	}
}

// A stop-with-new-query answer mid-read jumps straight to the next round
// under the fresh query, bypassing the per-round sufficiency question.
func TestStopNewQuerySkipsSufficiencyCheck(t *testing.T) {
	server := pageServer(t)
	results := resultsFor(server.URL, "a1", "a2")

	model := &scriptedModel{answers: []string{
		`{"need_search":true,"query":"first"}`,
		readDecisionFor(results),
		`{"action":"stop","enough":false,"query":"refined"}`,
		`{"need_read":false,"urls":[]}`,
		`{"enough":true,"query":""}`,
	}}
	searcher := &fakeSearch{results: results}
	r := newOrchestrator(model, searcher)

	var log eventLog
	if _, err := r.Run(context.Background(), "prompt", nil, log.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.Join(searcher.queries, ","); got != "first,refined" {
		t.Errorf("search queries = %q, want first then refined", got)
	}
	if got := log.count(sse.TypeSearchReaderStart); got != 1 {
		t.Errorf("reader_start = %d, want 1", got)
	}
	if model.calls != 5 {
		t.Errorf("oracle calls = %d, want 5", model.calls)
	}
}

// The page cap holds across rounds even when the oracle keeps selecting
// pages and always answers continue.
func TestPageCapTerminatesReads(t *testing.T) {
	server := pageServer(t)
	round1 := resultsFor(server.URL, "a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8")
	round2 := resultsFor(server.URL, "b1", "b2", "b3", "b4", "b5", "b6", "b7", "b8")
	round3 := resultsFor(server.URL, "c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8")

	answers := []string{
		`{"need_search":true,"query":"q1"}`,
		readDecisionFor(round1),
	}
	for i := 0; i < 7; i++ {
		answers = append(answers, `{"action":"continue","enough":false,"query":""}`)
	}
	answers = append(answers,
		`{"enough":false,"query":"q2"}`,
		readDecisionFor(round2),
		`{"action":"continue","enough":false,"query":""}`,
		`{"enough":false,"query":"q3"}`,
	)

	model := &scriptedModel{answers: answers}
	searcher := &fakeSearch{rounds: [][]search.Result{round1, round2, round3}}
	r := newOrchestrator(model, searcher)

	var log eventLog
	if _, err := r.Run(context.Background(), "prompt", nil, log.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := log.count(sse.TypeSearchReaderStart); got != maxReadPages {
		t.Errorf("pages read = %d, cap is %d", got, maxReadPages)
	}
}

func TestClipKeepsRunesWhole(t *testing.T) {
	if got := clip("北京今天天气晴朗", 4); got != "北" {
		t.Errorf("clip at mid-rune = %q, want %q", got, "北")
	}
	if got := clip("short", 100); got != "short" {
		t.Errorf("short input modified: %q", got)
	}
	long := strings.Repeat("天气", 1000)
	cut := clip(long, excerptClipChars)
	if len(cut) > excerptClipChars {
		t.Errorf("clip length = %d, want <= %d", len(cut), excerptClipChars)
	}
	if !utf8.ValidString(cut) {
		t.Errorf("clip produced invalid UTF-8: %q", cut)
	}
}

func TestSearchFailureEmitsErrorAndStops(t *testing.T) {
	model := &scriptedModel{answers: []string{
		`{"need_search":true,"query":"q"}`,
	}}
	searcher := &fakeSearch{err: errors.New("quota exceeded")}
	r := newOrchestrator(model, searcher)

	var log eventLog
	out, err := r.Run(context.Background(), "prompt", nil, log.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.count(sse.TypeSearchError) != 1 {
		t.Errorf("search_error = %d, want 1", log.count(sse.TypeSearchError))
	}
	if out.Context != "" {
		t.Errorf("context fabricated after search failure: %q", out.Context)
	}
	if searcher.calls != 1 {
		t.Errorf("search retried after failure: %d calls", searcher.calls)
	}
}
