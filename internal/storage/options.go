package storage

import (
	"go.uber.org/zap"

	"github.com/onexay/project-vs/internal/templates"
)

// TemplateResolver supplies the initial files of a new project.
type TemplateResolver interface {
	Resolve(name string) (templates.Bundle, string)
}

// Options control how a ProjectStore is assembled.
type Options struct {
	// Root is the directory holding one subdirectory per project.
	Root string
	// Author is recorded on commits that do not name one.
	Author string
	// Templates defaults to the built-in bundle only.
	Templates TemplateResolver
	Logger    *zap.Logger
	// Metrics may be nil to disable instrumentation.
	Metrics *Metrics
}

type builtinTemplates struct{}

func (builtinTemplates) Resolve(string) (templates.Bundle, string) {
	return templates.Default(), templates.DefaultName
}

func (o Options) withDefaults() Options {
	if o.Author == "" {
		o.Author = defaultAuthor
	}
	if o.Templates == nil {
		o.Templates = builtinTemplates{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
