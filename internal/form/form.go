// Package form renders the environment selection shown to users before a
// session starts. The selected radio button's value is the image name.
package form

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"os"
	"strings"

	"github.com/majorcontext/envhub/internal/limits"
	"github.com/majorcontext/envhub/internal/registry"
)

//go:embed options.html.tmpl
var defaultTemplate string

// Defaults are the hub limits shown for environments without their own.
type Defaults struct {
	// MemoryBytes is the default memory limit; zero shows nothing.
	MemoryBytes int64
	CPU         float64
}

// Renderer renders the options form.
type Renderer struct {
	tmpl     *template.Template
	defaults Defaults
}

// New returns a Renderer using the built-in template.
func New(defaults Defaults) *Renderer {
	return &Renderer{
		tmpl:     template.Must(template.New("options").Parse(defaultTemplate)),
		defaults: defaults,
	}
}

// NewFromFile returns a Renderer using the template at path. The template
// receives a value with an Environments field.
func NewFromFile(path string, defaults Defaults) (*Renderer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading form template: %w", err)
	}
	tmpl, err := template.New("options").Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing form template %s: %w", path, err)
	}
	return &Renderer{tmpl: tmpl, defaults: defaults}, nil
}

type view struct {
	Environments []registry.Environment
}

// Render fills in display limits and renders envs.
func (r *Renderer) Render(envs []registry.Environment) (string, error) {
	defMem := limits.FormatMemGB(r.defaults.MemoryBytes)
	defCPU := limits.FormatCPU(r.defaults.CPU)

	shown := make([]registry.Environment, len(envs))
	for i, env := range envs {
		env.MemLimit = strings.TrimSuffix(env.MemLimit, "G")
		if env.MemLimit == "" {
			env.MemLimit = defMem
		}
		if env.CPULimit == "" {
			env.CPULimit = defCPU
		}
		shown[i] = env
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, view{Environments: shown}); err != nil {
		return "", fmt.Errorf("rendering options form: %w", err)
	}
	return buf.String(), nil
}
