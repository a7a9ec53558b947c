package templates

import (
	"fmt"

	"github.com/osteele/liquid"
)

// Source is one locale's raw liquid markup.
type Source struct {
	Subject string `yaml:"subject"`
	HTML    string `yaml:"html"`
	Text    string `yaml:"text"`
}

type parsedSource struct {
	subject *liquid.Template
	html    *liquid.Template
	text    *liquid.Template
}

// LiquidTemplate renders per-locale liquid sources. All sources are parsed up front so a
// broken template fails at load time, not in the middle of a send.
type LiquidTemplate struct {
	id            string
	category      Category
	defaultLocale string
	parsed        map[string]parsedSource
}

// NewEngine returns a liquid engine with the filters campaign templates rely on.
func NewEngine() *liquid.Engine {
	engine := liquid.NewEngine()
	// {{ first_name | fallback: "there" }}
	engine.RegisterFilter("fallback", func(value any, def string) any {
		if value == nil {
			return def
		}
		if s, ok := value.(string); ok && s == "" {
			return def
		}
		return value
	})
	return engine
}

func NewLiquidTemplate(engine *liquid.Engine, id string, category Category, defaultLocale string, sources map[string]Source) (*LiquidTemplate, error) {
	if _, ok := sources[defaultLocale]; !ok {
		return nil, fmt.Errorf("template %s: default locale %q has no source", id, defaultLocale)
	}

	t := &LiquidTemplate{
		id:            id,
		category:      category,
		defaultLocale: defaultLocale,
		parsed:        make(map[string]parsedSource, len(sources)),
	}
	for locale, src := range sources {
		p, err := parseSource(engine, src)
		if err != nil {
			return nil, fmt.Errorf("template %s (%s): %w", id, locale, err)
		}
		t.parsed[locale] = p
	}
	return t, nil
}

func parseSource(engine *liquid.Engine, src Source) (parsedSource, error) {
	var p parsedSource
	var err error
	if p.subject, err = engine.ParseString(src.Subject); err != nil {
		return p, fmt.Errorf("subject: %w", err)
	}
	if p.html, err = engine.ParseString(src.HTML); err != nil {
		return p, fmt.Errorf("html: %w", err)
	}
	if p.text, err = engine.ParseString(src.Text); err != nil {
		return p, fmt.Errorf("text: %w", err)
	}
	return p, nil
}

func (t *LiquidTemplate) ID() string         { return t.id }
func (t *LiquidTemplate) Category() Category { return t.category }

func (t *LiquidTemplate) Locales() []string {
	out := make([]string, 0, len(t.parsed))
	for l := range t.parsed {
		out = append(out, l)
	}
	return out
}

func (t *LiquidTemplate) Render(data map[string]any, locale string) (Content, error) {
	p, ok := t.parsed[locale]
	if !ok {
		locale = t.defaultLocale
		p = t.parsed[locale]
	}

	bindings := liquid.Bindings{}
	for k, v := range data {
		bindings[k] = v
	}
	bindings["locale"] = locale

	subject, err := p.subject.RenderString(bindings)
	if err != nil {
		return Content{}, fmt.Errorf("rendering %s subject: %w", t.id, err)
	}
	html, err := p.html.RenderString(bindings)
	if err != nil {
		return Content{}, fmt.Errorf("rendering %s html: %w", t.id, err)
	}
	text, err := p.text.RenderString(bindings)
	if err != nil {
		return Content{}, fmt.Errorf("rendering %s text: %w", t.id, err)
	}
	return Content{Subject: subject, HTML: html, Text: text}, nil
}

var _ Template = (*LiquidTemplate)(nil)
