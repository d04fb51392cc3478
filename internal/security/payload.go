package security

import (
	"sort"
	"strings"

	v1 "github.com/kandev/nexus/pkg/api/v1"
)

// InputTypeMetadataPrefix lets callers declare the type of a data key,
// e.g. metadata "input_type.target" = "filename".
const InputTypeMetadataPrefix = "input_type."

// InputTypeFor resolves the validation type of a payload key. Declared types
// win; otherwise well-known key names are recognised.
func InputTypeFor(key string, metadata map[string]string) string {
	if t, ok := metadata[InputTypeMetadataPrefix+key]; ok && t != "" {
		return t
	}
	switch strings.ToLower(key) {
	case "email":
		return InputTypeEmail
	case "url", "endpoint":
		return InputTypeURL
	case "filename", "file", "path":
		return InputTypeFilename
	}
	return InputTypeText
}

// ValidatePayload runs every string value of the input through svc, walking
// nested maps and lists. Keys are visited in sorted order so the first
// failure is deterministic.
func ValidatePayload(svc Service, input *v1.AgentInput) error {
	if svc == nil || input == nil {
		return nil
	}
	return validateMap(svc, input.Data, input.Metadata)
}

func validateMap(svc Service, data map[string]any, metadata map[string]string) error {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := validateValue(svc, k, data[k], metadata); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(svc Service, key string, value any, metadata map[string]string) error {
	switch v := value.(type) {
	case string:
		return svc.ValidateInput(v, InputTypeFor(key, metadata))
	case map[string]any:
		return validateMap(svc, v, metadata)
	case []any:
		for _, item := range v {
			if err := validateValue(svc, key, item, metadata); err != nil {
				return err
			}
		}
	case []string:
		for _, item := range v {
			if err := svc.ValidateInput(item, InputTypeFor(key, metadata)); err != nil {
				return err
			}
		}
	}
	return nil
}
