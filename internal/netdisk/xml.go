package netdisk

import (
	"encoding/xml"
	"strings"
)

// treeFromXML parses an XML document into a nested map. Leaf elements become
// trimmed strings, repeated sibling tags collapse into a list. Namespace
// prefixes are dropped.
func treeFromXML(raw string) (map[string]any, bool) {
	dec := xml.NewDecoder(strings.NewReader(raw))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		if start, ok := tok.(xml.StartElement); ok {
			val, err := decodeElement(dec, start)
			if err != nil {
				return nil, false
			}
			if m, ok := val.(map[string]any); ok {
				return m, true
			}
			return map[string]any{localName(start.Name): val}, true
		}
	}
}

// decodeElement consumes everything up to start's end tag and returns either
// a string (leaf) or a nested map.
func decodeElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	children := map[string]any{}
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			val, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			mergeChild(children, localName(t.Name), val)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(children) > 0 {
				return children, nil
			}
			return strings.TrimSpace(text.String()), nil
		}
	}
}

func mergeChild(m map[string]any, key string, val any) {
	existing, ok := m[key]
	if !ok {
		m[key] = val
		return
	}
	if list, ok := existing.([]any); ok {
		m[key] = append(list, val)
		return
	}
	m[key] = []any{existing, val}
}

func localName(n xml.Name) string {
	return n.Local
}
