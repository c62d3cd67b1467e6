package plugin

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Args are the raw arguments of a job, as parsed from a job file or the
// command line.
type Args map[string]any

// ParseArgs turns name=value pairs into Args. Values are read as YAML
// scalars so numbers and booleans keep their type; anything else stays a
// string.
func ParseArgs(pairs []string) (Args, error) {
	args := make(Args, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid argument %q, expected name=value", p)
		}
		if _, dup := args[name]; dup {
			return nil, fmt.Errorf("argument %q given twice", name)
		}
		args[name] = scalar(value)
	}
	return args, nil
}

func scalar(value string) any {
	var v any
	if err := yaml.Unmarshal([]byte(value), &v); err != nil {
		return value
	}
	switch v.(type) {
	case bool, int, float64:
		return v
	}
	return value
}

// ParamError reports arguments that do not match a plugin's parameters.
type ParamError struct {
	Plugin  string
	Unknown []string
	Missing []string
}

func (e *ParamError) Error() string {
	var parts []string
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown parameters: "+strings.Join(e.Unknown, ", "))
	}
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required parameters: "+strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("plugin %s: %s", e.Plugin, strings.Join(parts, "; "))
}

// CheckArgs compares args against the declared parameters of p.
func CheckArgs(p Plugin, args Args) error {
	declared := make(map[string]Param)
	for _, param := range p.Params() {
		declared[param.Name] = param
	}

	pe := &ParamError{Plugin: p.Name()}
	for name := range args {
		if _, ok := declared[name]; !ok {
			pe.Unknown = append(pe.Unknown, name)
		}
	}
	for _, param := range p.Params() {
		if _, ok := args[param.Name]; param.Required && !ok {
			pe.Missing = append(pe.Missing, param.Name)
		}
	}
	if len(pe.Unknown) == 0 && len(pe.Missing) == 0 {
		return nil
	}
	sort.Strings(pe.Unknown)
	return pe
}

// Build checks args against p's parameters and creates the job instance.
func Build(p Plugin, args Args) (Instance, error) {
	if err := CheckArgs(p, args); err != nil {
		return nil, err
	}
	inst, err := p.New(args)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", p.Name(), err)
	}
	if inst == nil {
		return nil, fmt.Errorf("plugin %s: no instance created", p.Name())
	}
	return inst, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode converts args into the typed configuration out and validates it
// with its `validate` struct tags. Unknown fields are an error.
func Decode(args Args, out any) error {
	raw, err := yaml.Marshal(map[string]any(args))
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}
	if len(args) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("invalid arguments: %w", err)
		}
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// Help renders the usage of p.
func Help(p Plugin) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", p.Name(), p.Description())
	params := p.Params()
	if len(params) == 0 {
		b.WriteString("\nNo parameters.\n")
		return b.String()
	}

	width := 0
	for _, param := range params {
		if len(param.Name) > width {
			width = len(param.Name)
		}
	}
	b.WriteString("\nParameters:\n")
	for _, param := range params {
		req := ""
		if param.Required {
			req = " (required)"
		}
		fmt.Fprintf(&b, "  %-*s  %s%s\n", width, param.Name, param.Description, req)
	}
	return b.String()
}
