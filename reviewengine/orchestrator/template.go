package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/algowizzzz/docasst/reviewengine/runstate"
)

// templateDefinition is the on-disk shape of a review template.
type templateDefinition struct {
	Title    string `json:"title"`
	Sections []struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	} `json:"sections"`
}

// loadTemplate reads the template definition for templateID from the
// template directory. An empty id falls back to the configured default; an
// empty directory yields a bare template so runs can start without one.
func (o *Orchestrator) loadTemplate(templateID string) (runstate.TemplateMeta, error) {
	if templateID == "" {
		templateID = o.DefaultTemplateID
	}
	if o.TemplateDir == "" {
		return runstate.TemplateMeta{
			TemplateID:         templateID,
			TemplateCategories: []string{},
			MaxSectionWords:    o.MaxSectionWords,
		}, nil
	}

	path := filepath.Join(o.TemplateDir, templateID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return runstate.TemplateMeta{}, fmt.Errorf("template definition not found: %s", path)
	}

	var def templateDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return runstate.TemplateMeta{}, fmt.Errorf("template definition %s: %w", path, err)
	}

	categories := []string{}
	for _, section := range def.Sections {
		if section.Title != "" {
			categories = append(categories, section.Title)
		}
	}

	return runstate.TemplateMeta{
		TemplateID:         templateID,
		TemplateLabel:      def.Title,
		TemplateText:       string(data),
		TemplateCategories: categories,
		MaxSectionWords:    o.MaxSectionWords,
	}, nil
}
