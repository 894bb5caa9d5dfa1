package quality

import (
	"fmt"
	"strconv"
	"time"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/json"
)

// params reads typed values out of a rule's parameter map. Values arrive
// from YAML (int, float64, string, []interface{}) or from parameters_json
// (float64, string, []interface{}).
type params struct {
	rule   string
	values map[string]interface{}
}

func (p params) invalid(key string, v interface{}) error {
	return errors.Newf(errors.KindConfig, "quality rule %s: parameter %s has unusable value %v", p.rule, key, v)
}

func (p params) float(key string) (*float64, error) {
	v, ok := p.values[key]
	if !ok || v == nil {
		return nil, nil
	}
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return nil, p.invalid(key, v)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil, p.invalid(key, v)
		}
		f = parsed
	default:
		return nil, p.invalid(key, v)
	}
	return &f, nil
}

func (p params) int(key string, def int) (int, error) {
	f, err := p.float(key)
	if err != nil || f == nil {
		return def, err
	}
	if *f != float64(int(*f)) {
		return 0, p.invalid(key, *f)
	}
	return int(*f), nil
}

func (p params) str(key string) (string, error) {
	v, ok := p.values[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", p.invalid(key, v)
	}
	return s, nil
}

func (p params) strings(key string) ([]string, error) {
	v, ok := p.values[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case []string:
		return x, nil
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if item == nil {
				return nil, p.invalid(key, v)
			}
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	}
	return nil, p.invalid(key, v)
}

// duration accepts a Go duration string ("72h") or a number of seconds.
func (p params) duration(key string) (time.Duration, error) {
	if s, ok := p.values[key].(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, p.invalid(key, s)
		}
		return d, nil
	}
	f, err := p.float(key)
	if err != nil || f == nil {
		return 0, err
	}
	return time.Duration(*f * float64(time.Second)), nil
}
