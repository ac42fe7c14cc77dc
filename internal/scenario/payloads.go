package scenario

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Payload is one adversarial request body from the chaos catalog.
type Payload struct {
	Name string         `yaml:"name"`
	Body map[string]any `yaml:"body"`
}

// DefaultPayloads is the built-in malformed catalog: shapes a correct
// client never produces but a broken or hostile one might.
func DefaultPayloads() []Payload {
	return []Payload{
		{Name: "empty_json", Body: map[string]any{}},
		{Name: "invalid_token", Body: map[string]any{
			"access_token": "pelt-not-a-token",
			"name":         "x",
		}},
		{Name: "wrong_types", Body: map[string]any{
			"access_token": 123,
			"name":         nil,
		}},
		{Name: "empty_strings", Body: map[string]any{
			"access_token": "",
			"room_id":      "",
			"content":      "",
		}},
		{Name: "oversize_token", Body: map[string]any{
			"access_token": strings.Repeat("a", 10000),
		}},
	}
}

// LoadPayloads reads a YAML payload catalog. An empty path yields the
// built-in catalog.
func LoadPayloads(path string) ([]Payload, error) {
	if path == "" {
		return DefaultPayloads(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload catalog: %w", err)
	}
	var payloads []Payload
	if err := yaml.Unmarshal(data, &payloads); err != nil {
		return nil, fmt.Errorf("parse payload catalog %s: %w", path, err)
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("payload catalog %s is empty", path)
	}
	for i := range payloads {
		if payloads[i].Name == "" {
			payloads[i].Name = fmt.Sprintf("payload_%d", i)
		}
	}
	return payloads, nil
}
