package expr

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// MaxScore is the largest value a score can take; it fits one wire token.
const MaxScore = 255

const evalCostLimit = 10000

// Environment builds and compiles CEL programs over the scoring variables.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares qpf (precipitation amount, mm) and pop (probability
// of precipitation, 0-100) plus a handful of double math helpers.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("qpf", cel.DoubleType),
		cel.Variable("pop", cel.DoubleType),
		unaryDouble("sqrt", math.Sqrt),
		unaryDouble("round", math.Round),
		unaryDouble("abs", math.Abs),
		binaryDouble("min", math.Min),
		binaryDouble("max", math.Max),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Scorer evaluates one compiled formula. It is safe for concurrent use.
type Scorer struct {
	source  string
	program cel.Program
}

// Compile checks the formula and rejects unknown identifiers or non-numeric results.
func (e *Environment) Compile(formula string) (*Scorer, error) {
	source := strings.TrimSpace(formula)
	if source == "" {
		return nil, errors.New("expr: formula required")
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if t := ast.OutputType(); !isNumeric(t) {
		return nil, fmt.Errorf("expr: %q must return a number, got %s", source, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast, cel.CostLimit(evalCostLimit))
	if err != nil {
		return nil, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return &Scorer{source: source, program: program}, nil
}

// Compile is a convenience wrapper that builds a fresh environment.
func Compile(formula string) (*Scorer, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	return env.Compile(formula)
}

// Source returns the original formula for logging.
func (s *Scorer) Source() string { return s.source }

// Score evaluates the formula, rounds half away from zero and clamps the
// result to 0..MaxScore.
func (s *Scorer) Score(qpf, pop float64) (int, error) {
	val, _, err := s.program.Eval(map[string]any{"qpf": qpf, "pop": pop})
	if err != nil {
		return 0, fmt.Errorf("expr: eval %q: %w", s.source, err)
	}
	var raw float64
	switch v := val.Value().(type) {
	case float64:
		raw = v
	case int64:
		raw = float64(v)
	case uint64:
		raw = float64(v)
	default:
		return 0, fmt.Errorf("expr: %q yielded non-numeric result %T", s.source, v)
	}
	if math.IsNaN(raw) {
		return 0, fmt.Errorf("expr: %q yielded NaN for qpf=%v pop=%v", s.source, qpf, pop)
	}
	return clamp(math.Round(raw)), nil
}

func isNumeric(t *cel.Type) bool {
	for _, want := range []*cel.Type{cel.DoubleType, cel.IntType, cel.UintType, cel.DynType} {
		if t.IsExactType(want) {
			return true
		}
	}
	return false
}

func clamp(v float64) int {
	switch {
	case v <= 0:
		return 0
	case v >= MaxScore:
		return MaxScore
	default:
		return int(v)
	}
}

// Live holds the active scorer and lets a watcher swap it without locking readers.
type Live struct {
	current atomic.Pointer[Scorer]
}

// NewLive wraps an initial scorer.
func NewLive(initial *Scorer) *Live {
	l := &Live{}
	l.current.Store(initial)
	return l
}

// Swap replaces the active scorer. Nil is ignored.
func (l *Live) Swap(next *Scorer) {
	if next == nil {
		return
	}
	l.current.Store(next)
}

// Source returns the formula currently in effect.
func (l *Live) Source() string {
	if s := l.current.Load(); s != nil {
		return s.Source()
	}
	return ""
}

// Score delegates to the active scorer.
func (l *Live) Score(qpf, pop float64) (int, error) {
	s := l.current.Load()
	if s == nil {
		return 0, errors.New("expr: no scorer loaded")
	}
	return s.Score(qpf, pop)
}

func unaryDouble(name string, fn func(float64) float64) cel.EnvOption {
	return cel.Function(name,
		cel.Overload(name+"_double",
			[]*cel.Type{cel.DoubleType},
			cel.DoubleType,
			cel.UnaryBinding(func(arg ref.Val) ref.Val {
				d, ok := arg.(types.Double)
				if !ok {
					return types.NewErr("expr: %s expects a double", name)
				}
				return types.Double(fn(float64(d)))
			}),
		),
	)
}

func binaryDouble(name string, fn func(float64, float64) float64) cel.EnvOption {
	return cel.Function(name,
		cel.Overload(name+"_double_double",
			[]*cel.Type{cel.DoubleType, cel.DoubleType},
			cel.DoubleType,
			cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
				l, lok := lhs.(types.Double)
				r, rok := rhs.(types.Double)
				if !lok || !rok {
					return types.NewErr("expr: %s expects two doubles", name)
				}
				return types.Double(fn(float64(l), float64(r)))
			}),
		),
	)
}
