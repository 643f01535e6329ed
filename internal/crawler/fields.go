package crawler

import (
	"fmt"
	"strings"
)

// ShapeFields turns the raw matches of each selector into field values.
// Single fields take the first non-empty match, All fields keep the list or
// join it, and split fields fan out into their named parts. Fields without
// matches are omitted.
func ShapeFields(fields []FieldSelector, raw map[string][]string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		matches := compact(raw[field.Name])
		if len(matches) == 0 {
			continue
		}
		var value string
		switch {
		case field.All && field.Join == "" && field.SplitOn == "":
			out[field.Name] = matches
			continue
		case field.All:
			value = strings.Join(matches, field.Join)
		default:
			value = matches[0]
		}
		if field.SplitOn != "" && len(field.SplitInto) > 0 {
			parts := strings.Split(value, field.SplitOn)
			for i, name := range field.SplitInto {
				if i < len(parts) {
					if part := strings.TrimSpace(parts[i]); part != "" {
						out[name] = part
					}
				}
			}
			continue
		}
		out[field.Name] = value
	}
	return out
}

// MissingFields lists the required names absent from extracted.
func MissingFields(extracted map[string]any, required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := extracted[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// RequireFields returns an ErrExtraction-wrapped error when a required field
// is missing.
func RequireFields(extracted map[string]any, required []string) error {
	if missing := MissingFields(extracted, required); len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrExtraction, strings.Join(missing, ", "))
	}
	return nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
