package sandbox

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/itchyny/gojq"
)

// jqScript evaluates a jq program. The input value and $params are both the
// parameter object; $ENV is empty; http_get/1 is the only I/O builtin.
type jqScript struct {
	name string
	src  string
}

func (j jqScript) Execute(ctx context.Context, env *Env) ([]byte, error) {
	q, err := gojq.Parse(j.src)
	if err != nil {
		return nil, fmt.Errorf("%s: parse: %w", j.name, err)
	}
	code, err := gojq.Compile(q,
		gojq.WithVariables([]string{"$params"}),
		gojq.WithEnvironLoader(func() []string { return nil }),
		gojq.WithFunction("http_get", 1, 1, func(_ any, args []any) any {
			u, ok := args[0].(string)
			if !ok {
				return fmt.Errorf("http_get: url must be a string, got %T", args[0])
			}
			v, err := env.Fetch(ctx, u)
			if err != nil {
				return err
			}
			return v
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: compile: %w", j.name, err)
	}

	params := make(map[string]any, len(env.params))
	for k, v := range env.params {
		params[k] = v
	}

	var out []any
	iter := code.RunWithContext(ctx, params, params)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, err
		}
		out = append(out, v)
	}

	switch len(out) {
	case 0:
		return []byte("null"), nil
	case 1:
		return json.Marshal(out[0])
	default:
		return json.Marshal(out)
	}
}
