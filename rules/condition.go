package rules

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/automations/events"
)

var knownOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpIn: true, OpNotIn: true, OpContains: true,
	OpGt: true, OpGte: true, OpLt: true, OpLte: true, OpExists: true,
}

// compiledCondition is a condition lowered to one CEL program plus the
// predicate values it reads through the args variable.
type compiledCondition struct {
	boardID     string
	fingerprint string
	program     cel.Program
	args        []any
}

func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("event_type", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("card_id", cel.StringType),
		cel.Variable("board_id", cel.StringType),
		cel.Variable("triggered_by", cel.StringType),
		cel.Variable("args", cel.ListType(cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
}

func fingerprint(c TriggerCondition) string {
	data, err := json.Marshal(c)
	if err != nil {
		// unmarshalable values never compile; give each attempt its own key
		return fmt.Sprintf("%p", &c)
	}
	return string(data)
}

// checkStructure validates the condition without compiling it.
func checkStructure(c TriggerCondition, schema events.Schema) error {
	if strings.TrimSpace(string(c.EventType)) == "" {
		return fmt.Errorf("%w: eventType is required", ErrMalformedCondition)
	}
	if schema != nil && !schema.HasKind(c.EventType) {
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedCondition, c.EventType)
	}

	for i, p := range c.Predicates {
		if p.Field == "" {
			return fmt.Errorf("%w: predicate %d: field is required", ErrMalformedCondition, i)
		}
		if !knownOperators[p.Op] {
			return fmt.Errorf("%w: predicate %d: unknown operator %q", ErrMalformedCondition, i, p.Op)
		}
		if schema != nil && !schema.HasField(c.EventType, p.Field) {
			return fmt.Errorf("%w: predicate %d: field %q is not declared for %s", ErrMalformedCondition, i, p.Field, c.EventType)
		}

		switch p.Op {
		case OpExists:
			if p.Value != nil {
				return fmt.Errorf("%w: predicate %d: exists takes no value", ErrMalformedCondition, i)
			}
		case OpIn, OpNotIn:
			if _, ok := normalize(p.Value).([]any); !ok {
				return fmt.Errorf("%w: predicate %d: %s requires a list value", ErrMalformedCondition, i, p.Op)
			}
		default:
			if p.Value == nil {
				return fmt.Errorf("%w: predicate %d: %s requires a value", ErrMalformedCondition, i, p.Op)
			}
		}
	}
	return nil
}

// buildExpression lowers the predicates to CEL. Each predicate is guarded by
// a key presence test so a missing field is false rather than an error.
func buildExpression(c TriggerCondition) (string, []any) {
	parts := make([]string, 0, len(c.Predicates)+1)
	args := make([]any, 0, len(c.Predicates))

	for _, p := range c.Predicates {
		key := strconv.Quote(p.Field)
		field := "payload[" + key + "]"
		present := key + " in payload"

		if p.Op == OpExists {
			parts = append(parts, "("+present+")")
			continue
		}

		arg := "args[" + strconv.Itoa(len(args)) + "]"
		args = append(args, normalize(p.Value))

		var test string
		switch p.Op {
		case OpEq:
			test = field + " == " + arg
		case OpNeq:
			test = field + " != " + arg
		case OpIn:
			test = field + " in " + arg
		case OpNotIn:
			test = "!(" + field + " in " + arg + ")"
		case OpContains:
			test = "(type(" + field + ") == string ? " + field + ".contains(" + arg + ") : " + arg + " in " + field + ")"
		case OpGt:
			test = field + " > " + arg
		case OpGte:
			test = field + " >= " + arg
		case OpLt:
			test = field + " < " + arg
		case OpLte:
			test = field + " <= " + arg
		}
		parts = append(parts, "("+present+" && "+test+")")
	}

	if expr := strings.TrimSpace(c.Expression); expr != "" {
		parts = append(parts, "("+expr+")")
	}
	if len(parts) == 0 {
		return "true", args
	}
	return strings.Join(parts, " && "), args
}

func compileCondition(env *cel.Env, c TriggerCondition, schema events.Schema, costLimit uint64) (*compiledCondition, error) {
	if err := checkStructure(c, schema); err != nil {
		return nil, err
	}

	if expr := strings.TrimSpace(c.Expression); expr != "" {
		checked, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: expression: %v", ErrMalformedCondition, issues.Err())
		}
		if !checked.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("%w: expression must be boolean, got %s", ErrMalformedCondition, checked.OutputType())
		}
	}

	expression, args := buildExpression(c)
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile error: %v", ErrMalformedCondition, issues.Err())
	}

	prog, err := env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: program creation error: %v", ErrMalformedCondition, err)
	}

	return &compiledCondition{
		fingerprint: fingerprint(c),
		program:     prog,
		args:        args,
	}, nil
}

// normalize converts every number to float64 and every slice to []any so
// JSON, YAML and Go-literal values compare the same way.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return v
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

func normalizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	return normalize(payload).(map[string]any)
}
