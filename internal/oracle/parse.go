package oracle

import (
	"encoding/json"
	"strings"
)

// SearchDecision answers "does this turn need live web search".
type SearchDecision struct {
	NeedSearch bool   `json:"need_search"`
	Query      string `json:"query"`
}

// ReadDecision answers "which result pages deserve a deep read".
type ReadDecision struct {
	NeedRead bool     `json:"need_read"`
	URLs     []string `json:"urls"`
}

// Continue/stop actions inside the read sub-loop.
const (
	ActionContinue = "continue"
	ActionStop     = "stop"
)

// ContinueDecision answers "keep reading the remaining pages, or stop".
// On stop, Enough reports whether accumulated context suffices; when it
// does not, Query optionally names a fresh search to run instead.
type ContinueDecision struct {
	Action string `json:"action"`
	Enough bool   `json:"enough"`
	Query  string `json:"query"`
}

// EnoughDecision answers "does the accumulated context suffice". When it
// does not, Query optionally names the next search to run.
type EnoughDecision struct {
	Enough bool   `json:"enough"`
	Query  string `json:"query"`
}

// ParseSearchDecision decodes raw oracle output. Any failure yields the
// negative branch: no search.
func ParseSearchDecision(raw string) SearchDecision {
	var d SearchDecision
	if !decodeStrict(raw, &d) {
		return SearchDecision{}
	}
	if strings.TrimSpace(d.Query) == "" {
		return SearchDecision{}
	}
	return d
}

// ParseReadDecision decodes raw oracle output. Any failure yields the
// negative branch: read nothing.
func ParseReadDecision(raw string) ReadDecision {
	var d ReadDecision
	if !decodeStrict(raw, &d) {
		return ReadDecision{}
	}
	if !d.NeedRead {
		return ReadDecision{}
	}
	return d
}

// ParseContinueDecision decodes raw oracle output. Any failure yields
// the conservative branch: continue with the next selected page.
func ParseContinueDecision(raw string) ContinueDecision {
	var d ContinueDecision
	if !decodeStrict(raw, &d) {
		return ContinueDecision{Action: ActionContinue}
	}
	if d.Action != ActionStop {
		d.Action = ActionContinue
	}
	return d
}

// ParseEnoughDecision decodes raw oracle output. Any failure yields the
// terminal branch: context is enough, stop searching.
func ParseEnoughDecision(raw string) EnoughDecision {
	var d EnoughDecision
	if !decodeStrict(raw, &d) {
		return EnoughDecision{Enough: true}
	}
	return d
}

// decodeStrict extracts the first balanced JSON object from raw and
// decodes it into v. Returns false on any shape or syntax failure.
func decodeStrict(raw string, v any) bool {
	obj := ExtractJSON(raw)
	if obj == "" {
		return false
	}
	return json.Unmarshal([]byte(obj), v) == nil
}

// ExtractJSON returns the first balanced {...} substring of s, honoring
// string literals and escapes, or an empty string if none exists. Models
// wrap structured answers in prose and code fences; everything outside
// the braces is noise.
func ExtractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	s = s[start:]

	depth := 0
	inString := false
	escape := false
	for i, c := range s {
		if escape {
			escape = false
			continue
		}
		if c == '\\' {
			escape = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
