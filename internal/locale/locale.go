// Package locale maps free-form subscriber language preferences onto the locales
// the templates are written in.
package locale

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

type Normalizer struct {
	matcher   language.Matcher
	supported []string
	fallback  string
}

// NewNormalizer builds a normalizer over the supported locales. The fallback must be
// one of them.
func NewNormalizer(supported []string, fallback string) (*Normalizer, error) {
	if len(supported) == 0 {
		return nil, fmt.Errorf("locale: no supported locales")
	}

	fallbackIdx := -1
	names := make([]string, 0, len(supported))
	tags := make([]language.Tag, 0, len(supported))
	for i, s := range supported {
		tag, err := language.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("locale: invalid supported locale %q: %w", s, err)
		}
		if s == fallback {
			fallbackIdx = i
		}
		names = append(names, s)
		tags = append(tags, tag)
	}
	if fallbackIdx < 0 {
		return nil, fmt.Errorf("locale: fallback %q is not a supported locale", fallback)
	}

	// The matcher treats its first tag as the default.
	tags[0], tags[fallbackIdx] = tags[fallbackIdx], tags[0]
	names[0], names[fallbackIdx] = names[fallbackIdx], names[0]

	return &Normalizer{
		matcher:   language.NewMatcher(tags),
		supported: names,
		fallback:  fallback,
	}, nil
}

func (n *Normalizer) Fallback() string { return n.fallback }

// Normalize returns the supported locale closest to raw, or the fallback when raw is
// empty, unparseable or has no reasonable match.
func (n *Normalizer) Normalize(raw string) string {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "_", "-"))
	if raw == "" {
		return n.fallback
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return n.fallback
	}
	_, idx, conf := n.matcher.Match(tag)
	if conf == language.No || idx < 0 || idx >= len(n.supported) {
		return n.fallback
	}
	return n.supported[idx]
}
