// Package jsonrepair recovers a JSON value from text-generation output that
// is supposed to contain one but often arrives fenced, wrapped in prose, or
// subtly malformed.
package jsonrepair

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/joelkehle/devlog/internal/llm"
)

const (
	OpenSentinel  = "<RESULT_JSON>"
	CloseSentinel = "</RESULT_JSON>"

	sampleLimit = 160
)

var ErrMalformedOutput = errors.New("malformed output")

type MalformedOutputError struct {
	Sample string
	Err    error
}

func (e *MalformedOutputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v (sample: %q)", ErrMalformedOutput, e.Err, e.Sample)
	}
	return fmt.Sprintf("%s (sample: %q)", ErrMalformedOutput, e.Sample)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

func (e *MalformedOutputError) Is(target error) bool { return target == ErrMalformedOutput }

type Result struct {
	Value        any
	Raw          json.RawMessage
	HadSentinels bool
	// Repairs names the passes and fallbacks that were needed, in order.
	Repairs []string
}

func (r Result) Decode(out any) error {
	return json.Unmarshal(r.Raw, out)
}

// Extract recovers a JSON object or array from raw. When requireSentinels is
// set and the markers are absent, extraction still proceeds over the whole
// text and "missing_sentinels" is recorded in Repairs.
func Extract(raw string, requireSentinels bool) (Result, error) {
	body, had := sliceSentinels(raw)
	res := Result{HadSentinels: had}
	if requireSentinels && !had {
		res.Repairs = append(res.Repairs, "missing_sentinels")
	}

	body = stripCodeFences(body)
	if strings.TrimSpace(body) == "" {
		return res, &MalformedOutputError{Sample: llm.Redact(raw, sampleLimit), Err: errors.New("empty body")}
	}

	if v, compact, repairs, ok := repairAndParse(body); ok {
		return finish(res, v, compact, repairs), nil
	}
	if scanned, ok := ScanObject(body); ok {
		if v, compact, repairs, ok := repairAndParse(scanned); ok {
			return finish(res, v, compact, append([]string{"brace_scan"}, repairs...)), nil
		}
	}
	// Stray control characters can hide the closing brace from the scanner.
	cleaned := escapeStringControls(body)
	if scanned, ok := ScanObject(cleaned); ok && scanned != body {
		if v, compact, repairs, ok := repairAndParse(scanned); ok {
			return finish(res, v, compact, append([]string{"escape_string_controls", "brace_scan"}, repairs...)), nil
		}
	}
	return res, &MalformedOutputError{Sample: llm.Redact(body, sampleLimit), Err: errors.New("no recoverable JSON after all repairs")}
}

func finish(res Result, v any, compact []byte, repairs []string) Result {
	res.Value = v
	res.Raw = compact
	res.Repairs = append(res.Repairs, repairs...)
	return res
}

// repairAndParse tries text as-is, then after each pass applied cumulatively.
func repairAndParse(text string) (any, []byte, []string, bool) {
	if v, compact, ok := parse(text); ok {
		return v, compact, nil, true
	}
	var applied []string
	for _, p := range Passes() {
		next := p.Apply(text)
		if next == text {
			continue
		}
		text = next
		applied = append(applied, p.Name)
		if v, compact, ok := parse(text); ok {
			return v, compact, applied, true
		}
	}
	return nil, nil, nil, false
}

// parse accepts a single top-level object or array and nothing after it.
func parse(text string) (any, []byte, bool) {
	text = strings.TrimSpace(text)
	if text == "" || (text[0] != '{' && text[0] != '[') {
		return nil, nil, false
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(text)); err != nil {
		return nil, nil, false
	}
	return v, buf.Bytes(), true
}

// sliceSentinels returns the text between the result markers. A missing
// closing marker means the body runs to the end of the text.
func sliceSentinels(raw string) (string, bool) {
	open := strings.Index(raw, OpenSentinel)
	if open < 0 {
		if end := strings.Index(raw, CloseSentinel); end >= 0 {
			return strings.TrimSpace(raw[:end]), false
		}
		return strings.TrimSpace(raw), false
	}
	body := raw[open+len(OpenSentinel):]
	if end := strings.Index(body, CloseSentinel); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body), true
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		} else {
			s = strings.TrimPrefix(strings.TrimPrefix(s, "```"), "json")
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		return strings.TrimSpace(s)
	}
	if start := strings.Index(s, "```json"); start >= 0 {
		inner := s[start+len("```json"):]
		if end := strings.Index(inner, "```"); end >= 0 {
			return strings.TrimSpace(inner[:end])
		}
		return strings.TrimSpace(inner)
	}
	return s
}
