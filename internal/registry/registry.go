// Package registry loads the module descriptors the supervisor launches.
package registry

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/validate"
)

const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 10 * time.Second
)

var (
	// ErrEmptyName indicates a descriptor without a name.
	ErrEmptyName = errors.New("registry: module name is empty")
	// ErrInvalidName indicates a name with characters outside [A-Za-z0-9._-].
	ErrInvalidName = errors.New("registry: invalid module name")
	// ErrDuplicateModule indicates two descriptors share a name.
	ErrDuplicateModule = errors.New("registry: duplicate module name")
	// ErrEmptyCommand indicates a descriptor without a launch command.
	ErrEmptyCommand = errors.New("registry: module command is empty")
	// ErrInvalidPolicy indicates a negative retry count or delay.
	ErrInvalidPolicy = errors.New("registry: invalid retry policy")
)

// Descriptor is the static definition of one supervised module.
type Descriptor struct {
	Name       string
	Command    []string
	Enabled    bool
	MaxRetries int
	RetryDelay time.Duration
	Critical   bool
	WorkingDir string
	Env        map[string]string
}

// EnvList renders Env as KEY=VALUE pairs.
func (d Descriptor) EnvList() []string {
	if len(d.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(d.Env))
	for k, v := range d.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// Defaults returns the module set used when no registry file is available.
func Defaults() []Descriptor {
	names := []struct {
		name    string
		command string
	}{
		{"llm", "jetbot-llm"},
		{"face", "jetbot-face"},
		{"voice", "jetbot-voice"},
		{"camera", "jetbot-camera"},
		{"controller", "jetbot-controller"},
		{"nav", "jetbot-nav"},
	}
	out := make([]Descriptor, 0, len(names))
	for _, n := range names {
		out = append(out, Descriptor{
			Name:       n.name,
			Command:    []string{n.command},
			Enabled:    true,
			MaxRetries: DefaultMaxRetries,
			RetryDelay: DefaultRetryDelay,
		})
	}
	return out
}

// Load reads and validates descriptors from a YAML file.
func Load(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	descs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("registry: %s: %w", path, err)
	}
	return descs, nil
}

// LoadOrDefault loads path, falling back to Defaults when the file is
// missing or invalid.
func LoadOrDefault(path string, logger *zap.Logger) []Descriptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(path) == "" {
		logger.Info("no module registry configured, using defaults")
		return Defaults()
	}
	descs, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("module registry not found, using defaults", zap.String("path", path))
		} else {
			logger.Error("failed to load module registry, using defaults", zap.String("path", path), zap.Error(err))
		}
		return Defaults()
	}
	logger.Info("loaded module registry", zap.String("path", path), zap.Int("modules", len(descs)))
	return descs
}

// Validate checks names, commands and retry policy of every descriptor.
func Validate(descs []Descriptor) error {
	seen := make(map[string]struct{}, len(descs))
	var errs []error
	for i, d := range descs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%w (entry %d)", ErrEmptyName, i))
			continue
		}
		if !validate.ModuleName(name) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidName, name))
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateModule, name))
		}
		seen[name] = struct{}{}
		if len(d.Command) == 0 || strings.TrimSpace(d.Command[0]) == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrEmptyCommand, name))
		}
		if d.MaxRetries < 0 || d.RetryDelay < 0 {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidPolicy, name))
		}
	}
	return errors.Join(errs...)
}

// Enabled filters out disabled descriptors, preserving order.
func Enabled(descs []Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Parse decodes a registry document. The modules key may be a sequence of
// entries with a name field or a mapping keyed by module name.
func Parse(data []byte) ([]Descriptor, error) {
	var doc struct {
		Modules yaml.Node `yaml:"modules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	var entries []entry
	switch doc.Modules.Kind {
	case 0:
		return nil, errors.New("parse: no modules defined")
	case yaml.SequenceNode:
		if err := doc.Modules.Decode(&entries); err != nil {
			return nil, fmt.Errorf("parse modules: %w", err)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(doc.Modules.Content); i += 2 {
			var e entry
			if err := doc.Modules.Content[i+1].Decode(&e); err != nil {
				return nil, fmt.Errorf("parse module %s: %w", doc.Modules.Content[i].Value, err)
			}
			if e.Name == "" {
				e.Name = doc.Modules.Content[i].Value
			}
			entries = append(entries, e)
		}
	default:
		return nil, errors.New("parse: modules must be a list or a mapping")
	}

	descs := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		descs = append(descs, e.descriptor())
	}
	if err := Validate(descs); err != nil {
		return nil, err
	}
	return descs, nil
}

type entry struct {
	Name       string            `yaml:"name"`
	Command    commandLine       `yaml:"command"`
	ScriptPath string            `yaml:"script_path"`
	Enabled    *bool             `yaml:"enabled"`
	MaxRetries *int              `yaml:"max_retries"`
	RetryDelay *delay            `yaml:"retry_delay"`
	Critical   bool              `yaml:"critical"`
	WorkingDir string            `yaml:"working_dir"`
	Env        map[string]string `yaml:"env"`
}

func (e entry) descriptor() Descriptor {
	d := Descriptor{
		Name:       strings.TrimSpace(e.Name),
		Command:    []string(e.Command),
		Enabled:    true,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
		Critical:   e.Critical,
		WorkingDir: e.WorkingDir,
		Env:        e.Env,
	}
	if len(d.Command) == 0 && e.ScriptPath != "" {
		d.Command = []string{e.ScriptPath}
	}
	if e.Enabled != nil {
		d.Enabled = *e.Enabled
	}
	if e.MaxRetries != nil {
		d.MaxRetries = *e.MaxRetries
	}
	if e.RetryDelay != nil {
		d.RetryDelay = time.Duration(*e.RetryDelay)
	}
	return d
}

// commandLine accepts either a YAML sequence or a whitespace separated string.
type commandLine []string

func (c *commandLine) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = strings.Fields(node.Value)
		return nil
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return err
		}
		*c = parts
		return nil
	default:
		return fmt.Errorf("line %d: command must be a string or a list", node.Line)
	}
}

// delay accepts plain seconds (10, 2.5) or a Go duration string ("1m30s").
type delay time.Duration

func (d *delay) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: retry_delay must be a scalar", node.Line)
	}
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = delay(time.Duration(secs * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid retry_delay %q", node.Line, node.Value)
	}
	*d = delay(parsed)
	return nil
}
