package normalize

import (
	"context"
	"strings"
	"sync"

	"github.com/PaesslerAG/jsonpath"
)

// Accessor extracts one candidate value from a record. ok is false when the
// candidate is absent or unusable.
type Accessor[T any] func(v any) (T, bool)

// Resolve returns the first usable value produced by accessors, evaluated in
// order. When none yields a value it returns the zero T and false.
func Resolve[T any](v any, accessors ...Accessor[T]) (T, bool) {
	for _, get := range accessors {
		if out, ok := get(v); ok {
			return out, true
		}
	}
	var zero T
	return zero, false
}

// Path is a compiled JSONPath lookup built from a dotted field path such as
// "symbol.symbol.raw_symbol". "$" selects the document itself.
type Path struct {
	dotted string
	eval   func(ctx context.Context, v any) (any, error)
}

var pathCache sync.Map // dotted path -> Path

// CompilePath compiles a dotted path, reusing earlier compilations
func CompilePath(dotted string) (Path, error) {
	if cached, ok := pathCache.Load(dotted); ok {
		return cached.(Path), nil
	}

	eval, err := jsonpath.New(toJSONPath(dotted))
	if err != nil {
		return Path{}, err
	}

	p := Path{dotted: dotted, eval: eval}
	pathCache.Store(dotted, p)
	return p, nil
}

// MustPath is CompilePath for static path lists
func MustPath(dotted string) Path {
	p, err := CompilePath(dotted)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	return p.dotted
}

// Lookup returns the value at the path. Missing keys, type mismatches and
// JSON null all report false.
func (p Path) Lookup(v any) (any, bool) {
	if p.eval == nil {
		return nil, false
	}
	out, err := p.eval(context.Background(), v)
	if err != nil || out == nil {
		return nil, false
	}
	return out, true
}

// toJSONPath turns "a.b_c" into $["a"]["b_c"]
func toJSONPath(dotted string) string {
	if dotted == "" || dotted == "$" {
		return "$"
	}
	var b strings.Builder
	b.WriteString("$")
	for _, key := range strings.Split(dotted, ".") {
		b.WriteString(`["`)
		b.WriteString(key)
		b.WriteString(`"]`)
	}
	return b.String()
}

func compilePaths(dotted ...string) []Path {
	out := make([]Path, 0, len(dotted))
	for _, d := range dotted {
		out = append(out, MustPath(d))
	}
	return out
}
