package changelog

import (
	"fmt"
	"strings"

	"inspection/api/internal/store"
)

// FieldError describes a malformed partial update.
type FieldError struct {
	Path    []string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", strings.Join(e.Path, "."), e.Message)
}

// ValidateUpdate checks the top level of a partial update against the
// inspection schema. Nested section content is free-form.
func ValidateUpdate(update map[string]any) error {
	if len(update) == 0 {
		return &FieldError{Path: []string{}, Message: "update must contain at least one field"}
	}
	for _, key := range sortedKeys(update) {
		value := update[key]
		switch {
		case store.IsSection(key):
			if _, ok := value.(map[string]any); !ok {
				return &FieldError{Path: []string{key}, Message: "section must be an object"}
			}
		case store.IsScalarField(key):
			if err := ValidateScalar(key, value); err != nil {
				return &FieldError{Path: []string{key}, Message: err.Error()}
			}
		default:
			return &FieldError{Path: []string{key}, Message: "unknown field or section"}
		}
	}
	return nil
}

// ValidateScalar checks the value of a top-level scalar field.
func ValidateScalar(field string, value any) error {
	text, ok := value.(string)
	if !ok {
		return fmt.Errorf("must be a string")
	}
	switch field {
	case store.FieldPlateNumber:
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("must not be blank")
		}
	case store.FieldInspectionDate:
		if _, err := store.ParseInspectionDate(text); err != nil {
			return err
		}
	}
	return nil
}
