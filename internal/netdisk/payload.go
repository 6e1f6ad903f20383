package netdisk

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// BodyKind classifies the raw shape of a remote response body.
type BodyKind string

const (
	BodyEmpty BodyKind = "empty"
	BodyJSON  BodyKind = "json"
	BodyJSONP BodyKind = "jsonp"
	BodyXML   BodyKind = "xml"
	BodyHTML  BodyKind = "html"
	BodyText  BodyKind = "text"
)

const previewLimit = 320

var jsonpRE = regexp.MustCompile(`^\s*[\w.$]+\(((?s).+)\)\s*;?\s*$`)

// Payload is a normalized remote response: the detected body kind plus a
// generic nested tree regardless of whether the endpoint answered JSON,
// JSONP, XML or plain text.
type Payload struct {
	Kind BodyKind
	Tree map[string]any
}

// DetectBodyKind classifies a raw response body without parsing it fully.
func DetectBodyKind(raw string) BodyKind {
	s := strings.TrimSpace(raw)
	if s == "" {
		return BodyEmpty
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return BodyJSON
	}
	if jsonpRE.MatchString(s) {
		return BodyJSONP
	}
	if strings.HasPrefix(s, "<") {
		lower := strings.ToLower(s[:min(len(s), 128)])
		if strings.Contains(lower, "<!doctype html") || strings.Contains(lower, "<html") {
			return BodyHTML
		}
		return BodyXML
	}
	return BodyText
}

// Normalize converts an arbitrary response body into a Payload. Endpoints on
// the same remote side answer JSON, JSONP-wrapped JSON or XML depending on
// host and method, so callers never interpret the raw body directly.
func Normalize(raw string) Payload {
	kind := DetectBodyKind(raw)
	s := strings.TrimSpace(raw)

	switch kind {
	case BodyEmpty:
		return Payload{Kind: BodyEmpty, Tree: map[string]any{}}
	case BodyJSON:
		if tree, ok := treeFromJSON([]byte(s)); ok {
			return Payload{Kind: BodyJSON, Tree: tree}
		}
	case BodyJSONP:
		if m := jsonpRE.FindStringSubmatch(s); m != nil {
			if tree, ok := treeFromJSON([]byte(strings.TrimSpace(m[1]))); ok {
				return Payload{Kind: BodyJSONP, Tree: tree}
			}
		}
	case BodyXML, BodyHTML:
		if tree, ok := treeFromXML(s); ok {
			return Payload{Kind: kind, Tree: tree}
		}
	}

	// Opaque text, or a parse failure of something that looked structured.
	return Payload{Kind: BodyText, Tree: map[string]any{"message": s, "_raw_text": s}}
}

func treeFromJSON(data []byte) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case []any:
		if len(t) == 1 {
			if m, ok := t[0].(map[string]any); ok {
				return m, true
			}
		}
		return map[string]any{"_raw_list": t}, true
	default:
		return map[string]any{"value": v}, true
	}
}

// FindValue searches the tree for the first of the candidate keys at any
// depth, case-insensitively. Field naming is inconsistent across endpoint and
// host variants, so every lookup goes through this single helper.
func FindValue(tree any, keys ...string) (any, bool) {
	targets := make(map[string]bool, len(keys))
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			targets[k] = true
		}
	}
	if len(targets) == 0 {
		return nil, false
	}

	stack := []any{tree}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch node := cur.(type) {
		case map[string]any:
			for k, v := range node {
				if targets[strings.ToLower(strings.TrimSpace(k))] {
					return v, true
				}
			}
			for _, v := range node {
				switch v.(type) {
				case map[string]any, []any:
					stack = append(stack, v)
				}
			}
		case []any:
			for _, v := range node {
				switch v.(type) {
				case map[string]any, []any:
					stack = append(stack, v)
				}
			}
		}
	}
	return nil, false
}

// FindString is FindValue narrowed to a non-empty stringified value.
func FindString(tree any, keys ...string) string {
	// Direct hits on the top level take priority over nested matches.
	if m, ok := tree.(map[string]any); ok {
		for _, k := range keys {
			if v, ok := m[k]; ok {
				if s := stringify(v); s != "" {
					return s
				}
			}
		}
	}
	if v, ok := FindValue(tree, keys...); ok {
		return stringify(v)
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers arrive as float64.
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}

// IsSuccess reports whether a normalized payload marks success. No single
// status field is reliable: status codes, boolean flags and the mere presence
// of known data fields all count, and the fileListAO marker may be buried at
// any depth.
func IsSuccess(p Payload) bool {
	status := FindString(p.Tree, "res_code", "resCode", "status", "result")
	switch status {
	case "0", "200", "SUCCESS", "success":
		return true
	}
	if b, ok := p.Tree["success"].(bool); ok && b {
		return true
	}
	if strings.EqualFold(FindString(p.Tree, "success"), "true") {
		return true
	}
	switch FindString(p.Tree, "code") {
	case "0", "200":
		return true
	}
	// Some endpoints answer bare data with no status field at all.
	if FindString(p.Tree, "shareId", "userAccount", "name", "nickName") != "" {
		return true
	}
	if _, ok := FindValue(p.Tree, "fileListAO"); ok {
		return true
	}
	return false
}

// apiErrorDetail extracts "code=..., msg=..." style detail from a payload.
func apiErrorDetail(p Payload) string {
	code := FindString(p.Tree, "res_code", "resCode", "code", "errorCode")
	msg := FindString(p.Tree, "res_message", "resMessage", "msg", "message",
		"errorMsg", "errorMessage", "desc", "description")
	switch {
	case code != "" && msg != "":
		return "code=" + code + ", msg=" + msg
	case msg != "":
		return msg
	case code != "":
		return "code=" + code
	}
	return ""
}

// shortText collapses a body into a single bounded line for diagnostics.
func shortText(s string, limit int) string {
	s = strings.ReplaceAll(s, "\r", `\r`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
