package memhost

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/daviddao/scenemesh/pkg/model"
)

// Buffers reach Load either straight from Dump (typed slices, ints) or
// through JSON (float64, []any). These helpers accept both.

func str(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func intField(fields map[string]any, key string) (int, error) {
	v, ok := fields[key]
	if !ok {
		return 0, nil
	}
	f, ok := number(v)
	if !ok || f != math.Trunc(f) {
		return 0, &model.FieldError{Field: key, Err: fmt.Errorf("want integer, got %T", v)}
	}
	return int(f), nil
}

func floats(v any) ([]float64, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []float64:
		return append([]float64(nil), s...), nil
	case []any:
		out := make([]float64, len(s))
		for i, e := range s {
			f, ok := number(e)
			if !ok {
				return nil, fmt.Errorf("element %d: want number, got %T", i, e)
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("want number list, got %T", v)
}

func ints(v any) ([]int, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []int:
		return append([]int(nil), s...), nil
	}
	fs, err := floats(v)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("element %d: want integer, got %v", i, f)
		}
		out[i] = int(f)
	}
	return out, nil
}

func strs(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return s, nil
	case []any:
		out := make([]string, len(s))
		for i, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("element %d: want string, got %T", i, e)
			}
			out[i] = str
		}
		return out, nil
	}
	return nil, fmt.Errorf("want string list, got %T", v)
}

func vec3(fields map[string]any, key string) ([3]float64, error) {
	var out [3]float64
	fs, err := floats(fields[key])
	if err != nil {
		return out, &model.FieldError{Field: key, Err: err}
	}
	if fs == nil {
		return out, nil
	}
	if len(fs) != 3 {
		return out, &model.FieldError{Field: key, Err: fmt.Errorf("want 3 components, got %d", len(fs))}
	}
	copy(out[:], fs)
	return out, nil
}
