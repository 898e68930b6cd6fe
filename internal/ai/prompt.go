package ai

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/spigell/upwork-harvester/internal/jobs"
)

//go:embed prompt.yaml
var defaultPrompt []byte

// PromptConfig is loaded from YAML so scoring behaviour can change without a
// rebuild. System and Template are text/template sources; Parameters are
// available to both through the param function.
type PromptConfig struct {
	System     string            `yaml:"system"`
	Template   string            `yaml:"template"`
	Parameters map[string]string `yaml:"parameters"`

	system *template.Template
	user   *template.Template
}

// PromptData is what templates are executed against.
type PromptData struct {
	Job     jobs.Record
	Profile jobs.ProfileSummary
	Params  map[string]string
}

// DefaultPromptConfig returns the built-in prompt.
func DefaultPromptConfig() *PromptConfig {
	cfg, err := ParsePromptConfig(defaultPrompt)
	if err != nil {
		panic(fmt.Sprintf("built-in prompt is invalid: %v", err))
	}
	return cfg
}

// LoadPromptConfig reads a prompt file. An empty path yields the built-in prompt.
func LoadPromptConfig(path string) (*PromptConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultPromptConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompt config %q: %w", path, err)
	}

	cfg, err := ParsePromptConfig(data)
	if err != nil {
		return nil, fmt.Errorf("prompt config %q: %w", path, err)
	}
	return cfg, nil
}

func ParsePromptConfig(data []byte) (*PromptConfig, error) {
	var cfg PromptConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if strings.TrimSpace(cfg.Template) == "" {
		return nil, errors.New("template must not be empty")
	}

	var err error
	if cfg.system, err = cfg.parse("system", cfg.System); err != nil {
		return nil, err
	}
	if cfg.user, err = cfg.parse("template", cfg.Template); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *PromptConfig) parse(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(c.funcs()).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s template: %w", name, err)
	}
	return tmpl, nil
}

func (c *PromptConfig) funcs() template.FuncMap {
	return template.FuncMap{
		"join": strings.Join,
		"param": func(key, fallback string) string {
			if v := strings.TrimSpace(c.Parameters[key]); v != "" {
				return v
			}
			return fallback
		},
		"money": func(v *float64) string {
			if v == nil {
				return "unknown"
			}
			return strconv.FormatFloat(*v, 'f', -1, 64)
		},
		"count": func(v *int) string {
			if v == nil {
				return "unknown"
			}
			return strconv.Itoa(*v)
		},
	}
}

// Render produces the system instruction and the user message for one job.
func (c *PromptConfig) Render(job jobs.Record, profile jobs.ProfileSummary) (system, user string, err error) {
	if c == nil || c.user == nil {
		return "", "", errors.New("prompt config is not initialized")
	}

	data := PromptData{Job: job, Profile: profile, Params: c.Parameters}

	var buf bytes.Buffer
	if c.system != nil {
		if err := c.system.Execute(&buf, data); err != nil {
			return "", "", fmt.Errorf("render system prompt: %w", err)
		}
		system = strings.TrimSpace(buf.String())
		buf.Reset()
	}

	if err := c.user.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render prompt: %w", err)
	}
	return system, strings.TrimSpace(buf.String()), nil
}
