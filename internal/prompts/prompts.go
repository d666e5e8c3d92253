package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/invopop/jsonschema"

	"planforge/internal/domain"
	"planforge/internal/gateway"
)

//go:embed templates/*.tmpl
var embedded embed.FS

// Step names; they double as template file prefixes.
const (
	AnalyzeComplexity   = "analyze_complexity"
	GenerateSteps       = "generate_steps"
	IdentifyRisks       = "identify_risks"
	DetermineNextAction = "determine_next_action"
)

// Steps lists every prompted step in pipeline order.
var Steps = []string{AnalyzeComplexity, GenerateSteps, IdentifyRisks, DetermineNextAction}

type ComplexityData struct {
	Goal     string
	Priority string
}

type StepsData struct {
	Goal          string
	Priority      string
	Complexity    string
	TimeAvailable string
}

type RisksData struct {
	Goal       string
	StepTitles []string
}

type NextActionData struct {
	Priority string
	Steps    []domain.ActionStep
}

type pair struct {
	system *template.Template
	user   *template.Template
}

// Set holds the parsed system/user templates for every step.
type Set struct {
	pairs map[string]pair
}

// Load parses the embedded templates. Files in dir named like
// "<step>.system.tmpl" or "<step>.user.tmpl" replace their embedded
// counterpart; an empty dir uses the embedded set only.
func Load(dir string) (*Set, error) {
	s := &Set{pairs: make(map[string]pair, len(Steps))}
	for _, step := range Steps {
		hint, err := SchemaHint(step)
		if err != nil {
			return nil, err
		}
		funcs := template.FuncMap{
			"schema": func() string { return hint },
			"inc":    func(i int) int { return i + 1 },
		}
		sys, err := parse(dir, step+".system.tmpl", funcs)
		if err != nil {
			return nil, err
		}
		usr, err := parse(dir, step+".user.tmpl", funcs)
		if err != nil {
			return nil, err
		}
		s.pairs[step] = pair{system: sys, user: usr}
	}
	return s, nil
}

// Default returns the embedded set; it panics if the embedded templates are broken.
func Default() *Set {
	s, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("embedded prompts invalid: %v", err))
	}
	return s
}

// Render executes both templates for step with data.
func (s *Set) Render(step string, data any) (gateway.Prompt, error) {
	p, ok := s.pairs[step]
	if !ok {
		return gateway.Prompt{}, fmt.Errorf("unknown prompt step %q", step)
	}
	sys, err := execute(p.system, data)
	if err != nil {
		return gateway.Prompt{}, fmt.Errorf("render %s system prompt: %w", step, err)
	}
	usr, err := execute(p.user, data)
	if err != nil {
		return gateway.Prompt{}, fmt.Errorf("render %s user prompt: %w", step, err)
	}
	return gateway.Prompt{System: sys, User: usr}, nil
}

// Export writes the embedded templates into dir so they can be edited.
// Existing files are left alone.
func Export(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(embedded, "templates")
	if err != nil {
		return nil, err
	}
	var written []string
	for _, e := range entries {
		dst := filepath.Join(dir, e.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		data, err := embedded.ReadFile("templates/" + e.Name())
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return nil, err
		}
		written = append(written, dst)
	}
	return written, nil
}

func parse(dir, name string, funcs template.FuncMap) (*template.Template, error) {
	data, err := readTemplate(dir, name)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", name, err)
	}
	return tmpl, nil
}

func readTemplate(dir, name string) ([]byte, error) {
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read prompt override %s: %w", name, err)
		}
	}
	return embedded.ReadFile("templates/" + name)
}

func execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// SchemaHint renders the JSON schema of the fragment a step must return.
func SchemaHint(step string) (string, error) {
	var target any
	switch step {
	case AnalyzeComplexity:
		target = &domain.GoalAnalysis{}
	case GenerateSteps:
		target = &domain.StepPlan{}
	case IdentifyRisks:
		target = &domain.RiskList{}
	case DetermineNextAction:
		target = &domain.NextAction{}
	default:
		return "", fmt.Errorf("unknown prompt step %q", step)
	}
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(target)
	schema.Version = ""
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s schema: %w", step, err)
	}
	return string(data), nil
}
