package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"discovery-agent/internal/domain"
)

// sourceKeys are the result-data arrays harvested as citable sources, with
// the type tag given to their items.
var sourceKeys = []struct {
	key, kind string
}{
	{"papers", "paper"},
	{"sources", "web"},
	{"results", "web"},
	{"patents", "patent"},
	{"documents", "document"},
}

const defaultRelevance = 50

// harvestSources extracts sources from a successful tool result.
func harvestSources(data any) []domain.Source {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil
	}

	var out []domain.Source
	for _, sk := range sourceKeys {
		arr, ok := top[sk.key]
		if !ok {
			continue
		}
		var items []map[string]any
		if err := json.Unmarshal(arr, &items); err != nil {
			continue
		}
		for _, item := range items {
			if s, ok := sourceFromItem(item, sk.kind); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func sourceFromItem(item map[string]any, kind string) (domain.Source, bool) {
	title := firstString(item, "title", "name")
	if title == "" {
		return domain.Source{}, false
	}
	s := domain.Source{
		Title:     title,
		URL:       firstString(item, "url", "link", "pdf_url"),
		Authors:   stringList(item["authors"]),
		Year:      firstString(item, "year"),
		Relevance: defaultRelevance,
		Type:      kind,
	}
	if s.Year == "" {
		if d := firstString(item, "published", "date", "publication_date"); len(d) >= 4 {
			s.Year = d[:4]
		}
	}
	if t := firstString(item, "type"); t != "" {
		s.Type = t
	}
	if r, ok := number(item["relevance"]); ok {
		s.Relevance = clamp(int(r), 0, 100)
	} else if sc, ok := number(item["score"]); ok && sc <= 1 {
		s.Relevance = clamp(int(sc*100), 0, 100)
	}
	return s, true
}

// mergeSources appends add to dst, skipping entries already present by URL
// or, when no URL is set, by title.
func mergeSources(dst, add []domain.Source) []domain.Source {
	seen := make(map[string]struct{}, len(dst))
	for _, s := range dst {
		seen[sourceKey(s)] = struct{}{}
	}
	for _, s := range add {
		k := sourceKey(s)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		dst = append(dst, s)
	}
	return dst
}

func sourceKey(s domain.Source) string {
	if s.URL != "" {
		return "u:" + s.URL
	}
	return "t:" + strings.ToLower(s.Title)
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			switch x := e.(type) {
			case string:
				out = append(out, x)
			case map[string]any:
				if n := firstString(x, "name"); n != "" {
					out = append(out, n)
				}
			}
		}
		return out
	}
	return nil
}

func number(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
