package templates

// StaticTemplate serves fixed content per locale. Used for system mail and in tests.
type StaticTemplate struct {
	TemplateID    string
	Kind          Category
	DefaultLocale string
	Content       map[string]Content
	// Err, when set, is returned from every Render call.
	Err error
}

func (t *StaticTemplate) ID() string         { return t.TemplateID }
func (t *StaticTemplate) Category() Category { return t.Kind }

func (t *StaticTemplate) Render(_ map[string]any, locale string) (Content, error) {
	if t.Err != nil {
		return Content{}, t.Err
	}
	if c, ok := t.Content[locale]; ok {
		return c, nil
	}
	return t.Content[t.DefaultLocale], nil
}

var _ Template = (*StaticTemplate)(nil)
