package backend

import (
	"bytes"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeOptions decodes the free-form options of a backend configuration
// into out and validates it. Unknown keys are rejected.
func DecodeOptions(opts map[string]any, out any) error {
	raw, err := yaml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	if len(opts) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("invalid options: %w", err)
		}
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}
