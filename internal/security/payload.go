package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"

	"github.com/conneroisu/livegate/internal/config"
)

// Sanitizer cleans free text before it reaches business handlers. Neither
// implementation is a complete HTML sanitizer; both remove script content,
// javascript: URIs and inline event handler attributes.
type Sanitizer interface {
	Sanitize(text string) string
}

// SanitizerFunc adapts a function to Sanitizer.
type SanitizerFunc func(string) string

func (f SanitizerFunc) Sanitize(text string) string { return f(text) }

// NewSanitizer returns the sanitizer registered under name.
func NewSanitizer(name string) (Sanitizer, error) {
	switch name {
	case "", "regex":
		return RegexSanitizer{}, nil
	case "html":
		return HTMLSanitizer{}, nil
	default:
		return nil, fmt.Errorf("unknown sanitizer %q", name)
	}
}

var (
	scriptBlock   = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	scriptTag     = regexp.MustCompile(`(?i)</?script\b[^>]*>`)
	javascriptURI = regexp.MustCompile(`(?i)javascript\s*:`)
	eventHandler  = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	tagOpen       = regexp.MustCompile(`<[a-zA-Z/!?]`)
)

// maxSanitizePasses bounds the denylist passes over nested input.
const maxSanitizePasses = 8

// RegexSanitizer is a denylist sanitizer. Removals repeat until the text is
// stable; text still changing after maxSanitizePasses is dropped entirely.
type RegexSanitizer struct{}

func (RegexSanitizer) Sanitize(text string) string {
	for i := 0; i < maxSanitizePasses; i++ {
		next := stripDenied(text)
		if next == text {
			return strings.TrimSpace(text)
		}
		text = next
	}
	return ""
}

func stripDenied(text string) string {
	text = scriptBlock.ReplaceAllString(text, "")
	text = scriptTag.ReplaceAllString(text, "")
	text = javascriptURI.ReplaceAllString(text, "")
	return eventHandler.ReplaceAllString(text, "")
}

// HTMLSanitizer tokenizes the text and rebuilds it without script-like
// elements, event handler attributes or javascript: URLs. Text is copied
// as written; character references are neither decoded nor added.
type HTMLSanitizer struct{}

var droppedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Embed:    true,
	atom.Noscript: true,
}

func (HTMLSanitizer) Sanitize(text string) string {
	z := html.NewTokenizer(strings.NewReader(text))
	var out strings.Builder
	skipDepth := 0

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				return ""
			}
			break
		}

		var raw string
		if tt == html.TextToken {
			raw = string(z.Raw())
		}

		tok := z.Token()
		switch tt {
		case html.StartTagToken:
			if droppedElements[tok.DataAtom] {
				skipDepth++
				continue
			}
		case html.EndTagToken:
			if droppedElements[tok.DataAtom] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
		case html.SelfClosingTagToken:
			if droppedElements[tok.DataAtom] {
				continue
			}
		case html.CommentToken, html.DoctypeToken:
			continue
		}

		if skipDepth > 0 {
			continue
		}

		switch tt {
		case html.TextToken:
			// A trailing unterminated tag arrives as text; keep it escaped.
			if tagOpen.MatchString(raw) {
				out.WriteString(tok.String())
			} else {
				out.WriteString(raw)
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			tok.Attr = safeAttributes(tok.Attr)
			out.WriteString(tok.String())
		default:
			out.WriteString(tok.String())
		}
	}

	return strings.TrimSpace(out.String())
}

func safeAttributes(attrs []html.Attribute) []html.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if strings.HasPrefix(key, "on") {
			continue
		}
		if javascriptURI.MatchString(strings.Join(strings.Fields(a.Val), "")) {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// PayloadValidator checks inbound event payloads against one configuration
// snapshot. It holds no mutable state.
type PayloadValidator struct {
	maxPayloadBytes  int
	maxMessageLength int
	requireAuth      map[string]struct{}
	allowedEvents    map[string]struct{}
	sanitizer        Sanitizer
}

// NewPayloadValidator builds a validator. A nil sanitizer selects the one
// named in cfg.
func NewPayloadValidator(cfg *config.SecurityConfig, sanitizer Sanitizer) (*PayloadValidator, error) {
	if sanitizer == nil {
		var err error
		if sanitizer, err = NewSanitizer(cfg.Sanitizer); err != nil {
			return nil, err
		}
	}

	pv := &PayloadValidator{
		maxPayloadBytes:  cfg.MaxPayloadBytes,
		maxMessageLength: cfg.MaxMessageLength,
		requireAuth:      toSet(cfg.RequireAuthentication),
		sanitizer:        sanitizer,
	}
	if len(cfg.AllowedEvents) > 0 {
		pv.allowedEvents = toSet(cfg.AllowedEvents)
	}
	return pv, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// ValidatePayloadSize reports whether the serialized payload fits the ceiling.
func (pv *PayloadValidator) ValidatePayloadSize(payload []byte) bool {
	return len(payload) <= pv.maxPayloadBytes
}

// ValidateMessageLength counts characters of the NFC-normalized text.
func (pv *PayloadValidator) ValidateMessageLength(text string) bool {
	return messageLength(text) <= pv.maxMessageLength
}

func messageLength(text string) int {
	return utf8.RuneCountInString(norm.NFC.String(text))
}

// ValidateEventType is true when no allow-list is configured or name is on it.
func (pv *PayloadValidator) ValidateEventType(name string) bool {
	if pv.allowedEvents == nil {
		return true
	}
	_, ok := pv.allowedEvents[name]
	return ok
}

// RequiresAuthentication reports whether name needs a resolved identity.
func (pv *PayloadValidator) RequiresAuthentication(name string) bool {
	_, ok := pv.requireAuth[name]
	return ok
}

// SanitizeMessage runs the configured sanitizer.
func (pv *PayloadValidator) SanitizeMessage(text string) string {
	return pv.sanitizer.Sanitize(text)
}

// TruncateMessage cuts text to the configured character limit.
func (pv *PayloadValidator) TruncateMessage(text string) string {
	text = norm.NFC.String(text)
	if utf8.RuneCountInString(text) <= pv.maxMessageLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:pv.maxMessageLength])
}

var textFields = []string{"message", "text"}

// ExtractText returns the first top-level string field named message or
// text. Payloads that are not JSON objects carry no free text.
func ExtractText(payload []byte) (field, text string, ok bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", "", false
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return "", "", false
	}

	for _, name := range textFields {
		raw, present := obj[name]
		if !present {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		return name, s, true
	}
	return "", "", false
}

// ReplaceText rewrites one top-level string field of a JSON object payload.
func ReplaceText(payload []byte, field, text string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	encoded, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", field, err)
	}
	obj[field] = encoded
	return json.Marshal(obj)
}
