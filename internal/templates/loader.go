package templates

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type fileTemplate struct {
	ID            string            `yaml:"id"`
	Category      Category          `yaml:"category"`
	DefaultLocale string            `yaml:"default_locale"`
	Locales       map[string]Source `yaml:"locales"`
}

type file struct {
	Templates []fileTemplate `yaml:"templates"`
}

// LoadFile reads a YAML template catalogue into a registry of liquid templates.
func LoadFile(path string) (*MemoryRegistry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func Load(r io.Reader) (*MemoryRegistry, error) {
	var doc file
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding templates: %w", err)
	}

	engine := NewEngine()
	registry := NewMemoryRegistry()
	for _, ft := range doc.Templates {
		if ft.ID == "" {
			return nil, fmt.Errorf("template without id")
		}
		if _, err := registry.Resolve(context.Background(), ft.ID); err == nil {
			return nil, fmt.Errorf("duplicate template id %q", ft.ID)
		}
		if ft.Category == "" {
			ft.Category = CategoryCampaign
		}
		if ft.DefaultLocale == "" {
			ft.DefaultLocale = "en"
		}
		t, err := NewLiquidTemplate(engine, ft.ID, ft.Category, ft.DefaultLocale, ft.Locales)
		if err != nil {
			return nil, err
		}
		registry.Register(t)
	}
	return registry, nil
}
