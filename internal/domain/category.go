package domain

import (
	"strings"
)

// Category is a transformation category a business process can be classified into.
type Category string

const (
	CategoryEliminate  Category = "Eliminate"
	CategorySimplify   Category = "Simplify"
	CategoryDigitise   Category = "Digitise"
	CategoryRPA        Category = "RPA"
	CategoryAIAgent    Category = "AI Agent"
	CategoryAgenticAI  Category = "Agentic AI"
	CategoryUnassigned Category = ""
)

// Categories lists every category in ascending order of transformation effort.
func Categories() []Category {
	return []Category{
		CategoryEliminate,
		CategorySimplify,
		CategoryDigitise,
		CategoryRPA,
		CategoryAIAgent,
		CategoryAgenticAI,
	}
}

var categoryAliases = map[string]Category{
	"eliminate":  CategoryEliminate,
	"simplify":   CategorySimplify,
	"digitise":   CategoryDigitise,
	"digitize":   CategoryDigitise,
	"rpa":        CategoryRPA,
	"aiagent":    CategoryAIAgent,
	"agenticai":  CategoryAgenticAI,
	"agentic":    CategoryAgenticAI,
	"automation": CategoryRPA,
}

// ParseCategory resolves a category name leniently. Case, spaces, dashes
// and underscores are ignored, so "ai_agent" and "AI-Agent" both resolve.
func ParseCategory(s string) (Category, bool) {
	key := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_', '\t':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
	if key == "" {
		return CategoryUnassigned, false
	}
	c, ok := categoryAliases[key]
	return c, ok
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

func (c Category) String() string {
	return string(c)
}
