package events

import (
	"fmt"
	"regexp"
	"strings"
)

// Schema declares the payload fields each event kind carries, as field -> type name.
// Trigger conditions may only reference fields declared here.
type Schema map[Kind]map[string]string

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var validFieldTypes = map[string]bool{
	"string":  true,
	"int":     true,
	"float64": true,
	"number":  true,
	"bool":    true,
	"list":    true,
	"map":     true,
	"any":     true,
}

// CEL keywords and literals that cannot name a field.
var reservedKeywords = map[string]bool{
	"true": true, "false": true, "null": true,
	"in": true, "as": true, "break": true, "const": true, "continue": true,
	"else": true, "for": true, "function": true, "if": true, "import": true,
	"let": true, "loop": true, "package": true, "namespace": true,
	"return": true, "var": true, "void": true, "while": true,
}

// DefaultSchema is the board payload schema used when none is configured.
func DefaultSchema() Schema {
	return Schema{
		CardMoved: {
			"fromColumn": "string",
			"toColumn":   "string",
			"position":   "int",
		},
		CardCreated: {
			"column":   "string",
			"title":    "string",
			"labels":   "list",
			"priority": "string",
		},
		CardUpdated: {
			"title":    "string",
			"labels":   "list",
			"priority": "string",
			"dueDate":  "string",
		},
		FieldChanged: {
			"field":    "string",
			"oldValue": "any",
			"newValue": "any",
		},
		CardAssigned: {
			"assigneeId":         "string",
			"previousAssigneeId": "string",
		},
		CardCommented: {
			"commentId": "string",
			"authorId":  "string",
			"body":      "string",
			"mentions":  "list",
		},
	}
}

// HasKind reports whether the schema declares kind.
func (s Schema) HasKind(kind Kind) bool {
	_, ok := s[kind]
	return ok
}

// HasField reports whether kind declares field.
func (s Schema) HasField(kind Kind, field string) bool {
	fields, ok := s[kind]
	if !ok {
		return false
	}
	_, ok = fields[field]
	return ok
}

// FieldType returns the declared type of a field.
func (s Schema) FieldType(kind Kind, field string) (string, bool) {
	t, ok := s[kind][field]
	return t, ok
}

// ValidateSchema checks kinds, field names and type names.
func ValidateSchema(schema Schema) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema cannot be empty, must declare at least one event kind")
	}
	if len(schema) > 100 {
		return fmt.Errorf("schema declares %d event kinds, maximum allowed is 100", len(schema))
	}

	for kind, fields := range schema {
		if err := validateIdentifier(string(kind)); err != nil {
			return fmt.Errorf("invalid event kind %q: %w", kind, err)
		}
		if len(fields) == 0 {
			return fmt.Errorf("event kind %q must declare at least one field", kind)
		}
		if len(fields) > 200 {
			return fmt.Errorf("event kind %q declares %d fields, maximum allowed is 200", kind, len(fields))
		}

		for field, typeName := range fields {
			if err := validateIdentifier(field); err != nil {
				return fmt.Errorf("invalid field name %q in event kind %q: %w", field, kind, err)
			}
			if typeName == "" {
				return fmt.Errorf("field %q in event kind %q has empty type name", field, kind)
			}
			if strings.TrimSpace(typeName) != typeName {
				return fmt.Errorf("field %q in event kind %q has type with leading/trailing whitespace: %q", field, kind, typeName)
			}
			if !validFieldTypes[typeName] {
				return fmt.Errorf("field %q in event kind %q has invalid type %q (must be one of: string, int, float64, number, bool, list, map, any)", field, kind, typeName)
			}
		}
	}

	return nil
}

func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$")
	}
	if reservedKeywords[name] {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}
