package policy

import (
	"strings"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/agenr/agenr/pkg/faults"
)

// Rule is a compiled boolean expression evaluated against the execute
// request, exposed as a `request` map. Expressions are vetted before
// compilation: float literals and non-deterministic builtins are rejected so
// a rule evaluates the same way on every replica.
type Rule struct {
	source string
	prg    cel.Program
}

func NewRule(source string) (*Rule, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalid, err, "build rule environment")
	}

	parsed, issues := env.Parse(source)
	if issues != nil && issues.Err() != nil {
		return nil, faults.Wrap(faults.KindInvalid, issues.Err(), "parse execute rule")
	}
	if msgs := lintExpr(parsed.Expr()); len(msgs) > 0 { //nolint:staticcheck // AST traversal still needs the proto form
		return nil, faults.Invalid("execute rule rejected: %s", strings.Join(msgs, "; "))
	}

	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, faults.Wrap(faults.KindInvalid, issues.Err(), "compile execute rule")
	}
	if ast.OutputType() != cel.BoolType {
		return nil, faults.Invalid("execute rule must evaluate to a boolean, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalid, err, "build rule program")
	}
	return &Rule{source: source, prg: prg}, nil
}

func (r *Rule) Source() string { return r.source }

// Allow evaluates the rule. Runtime errors (missing keys, type mismatches)
// deny the request rather than failing it open.
func (r *Rule) Allow(request map[string]any) (bool, error) {
	if request == nil {
		request = map[string]any{}
	}
	out, _, err := r.prg.Eval(map[string]any{"request": request})
	if err != nil {
		return false, faults.Wrap(faults.KindForbidden, err, "execute rule evaluation failed")
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, faults.Forbidden("execute rule produced a non-boolean result")
	}
	return allowed, nil
}

// lintExpr walks the parsed AST and collects determinism violations.
func lintExpr(e *exprpb.Expr) []string {
	var msgs []string
	walkExpr(e, &msgs)
	return msgs
}

func walkExpr(e *exprpb.Expr, msgs *[]string) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*msgs = append(*msgs, "floating point literals are forbidden, use integer cents")
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*msgs = append(*msgs, "now() is forbidden")
		case "keys", "values":
			*msgs = append(*msgs, "map iteration is forbidden")
		}
		walkExpr(call.Target, msgs)
		for _, arg := range call.Args {
			walkExpr(arg, msgs)
		}

	case *exprpb.Expr_SelectExpr:
		walkExpr(k.SelectExpr.Operand, msgs)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walkExpr(el, msgs)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if mk := entry.GetMapKey(); mk != nil {
				walkExpr(mk, msgs)
			}
			walkExpr(entry.Value, msgs)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walkExpr(comp.IterRange, msgs)
		walkExpr(comp.AccuInit, msgs)
		walkExpr(comp.LoopCondition, msgs)
		walkExpr(comp.LoopStep, msgs)
		walkExpr(comp.Result, msgs)
	}
}
