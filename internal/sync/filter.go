package sync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nhle/entitysync/internal/model"
)

// filterEnv exposes entity fields to compiled filter programs.
type filterEnv struct {
	entity *model.Entity
}

// Field returns the named field as a string.
func (f filterEnv) Field(name string) string {
	return f.entity.StringValue(name)
}

// Number returns the named field as a number, or 0 when it is not numeric.
func (f filterEnv) Number(name string) float64 {
	n, err := strconv.ParseFloat(f.entity.StringValue(name), 64)
	if err != nil {
		return 0
	}
	return n
}

// Matcher evaluates a collection's filter conditions against entities.
// The zero Matcher matches everything.
type Matcher struct {
	source  string
	program *vm.Program
}

// CompileFilter turns conditions into a Matcher. Clauses are combined left
// to right, each joined to the ones before it by its BLogic.
func CompileFilter(conds []model.Condition) (*Matcher, error) {
	if len(conds) == 0 {
		return &Matcher{}, nil
	}

	var b strings.Builder
	for i, c := range conds {
		clause, err := conditionExpr(c)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			b.WriteString(clause)
			continue
		}

		joined := "(" + b.String() + ")"
		b.Reset()
		b.WriteString(joined)
		switch strings.ToLower(c.BLogic) {
		case "or":
			b.WriteString(" || ")
		case "and", "":
			b.WriteString(" && ")
		default:
			return nil, fmt.Errorf("unknown filter logic %q", c.BLogic)
		}
		b.WriteString(clause)
	}

	src := b.String()
	program, err := expr.Compile(src, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling filter %q: %w", src, err)
	}
	return &Matcher{source: src, program: program}, nil
}

// Match reports whether e satisfies the filter.
func (m *Matcher) Match(e *model.Entity) (bool, error) {
	if m == nil || m.program == nil {
		return true, nil
	}
	out, err := expr.Run(m.program, filterEnv{entity: e})
	if err != nil {
		return false, fmt.Errorf("evaluating filter on %s: %w", e.ID, err)
	}
	return out.(bool), nil
}

// String returns the compiled expression source.
func (m *Matcher) String() string {
	if m == nil {
		return ""
	}
	return m.source
}

func conditionExpr(c model.Condition) (string, error) {
	if c.Field == "" {
		return "", fmt.Errorf("filter condition has no field")
	}
	field := strconv.Quote(c.Field)
	value := strconv.Quote(c.Value)

	switch c.Operator {
	case model.OpEqual:
		return fmt.Sprintf("Field(%s) == %s", field, value), nil
	case model.OpNotEqual:
		return fmt.Sprintf("Field(%s) != %s", field, value), nil
	case model.OpContains:
		return fmt.Sprintf("Field(%s) contains %s", field, value), nil
	case model.OpGreaterThan, model.OpLessThan:
		op := ">"
		if c.Operator == model.OpLessThan {
			op = "<"
		}
		if n, err := strconv.ParseFloat(c.Value, 64); err == nil {
			return fmt.Sprintf("Number(%s) %s %s", field, op, strconv.FormatFloat(n, 'f', -1, 64)), nil
		}
		return fmt.Sprintf("Field(%s) %s %s", field, op, value), nil
	default:
		return "", fmt.Errorf("unknown filter operator %q", c.Operator)
	}
}
