package money

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrPrecision is returned for amounts the gateway's minor-unit protocol
	// cannot represent exactly (more than two fractional digits).
	ErrPrecision   = errors.New("amount has more than 2 fractional digits")
	ErrNotMonetary = errors.New("monetary field is not a number")
)

// monetaryFields is the closed set of keys whose values are amounts.
var monetaryFields = map[string]struct{}{
	"amount":      {},
	"total":       {},
	"available":   {},
	"unitPrice":   {},
	"totalAmount": {},
}

func isMonetary(key string) bool {
	_, ok := monetaryFields[key]
	return ok
}

// ToMinorUnits returns a copy of tree with every monetary field converted to
// an integer string of minor units ("12.50" -> "1250").
func ToMinorUnits(tree any) (any, error) {
	return walk(tree, func(v any) (any, error) {
		d, err := toDecimal(v)
		if err != nil {
			return nil, err
		}
		return Centify(d)
	})
}

// ToMajorUnits returns a copy of tree with every monetary field converted
// from minor units to an exact decimal.Decimal ("1250" -> 12.5).
func ToMajorUnits(tree any) (any, error) {
	return walk(tree, func(v any) (any, error) {
		d, err := toDecimal(v)
		if err != nil {
			return nil, err
		}
		return d.Shift(-2), nil
	})
}

// Centify encodes d as an integer count of minor units.
func Centify(d decimal.Decimal) (string, error) {
	minor := d.Shift(2)
	if !minor.IsInteger() {
		return "", fmt.Errorf("%w: %s", ErrPrecision, d.String())
	}
	return minor.StringFixed(0), nil
}

// Normalize parses a minor-unit integer string back into a decimal amount.
func Normalize(minor string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(minor)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrNotMonetary, minor)
	}
	return d.Shift(-2), nil
}

func walk(node any, convert func(any) (any, error)) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			if isMonetary(k) && v != nil {
				if _, nested := v.(map[string]any); !nested {
					c, err := convert(v)
					if err != nil {
						return nil, fmt.Errorf("field %q: %w", k, err)
					}
					out[k] = c
					continue
				}
			}
			c, err := walk(v, convert)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			c, err := walk(v, convert)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return node, nil
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero, ErrNotMonetary
		}
		return *x, nil
	case json.Number:
		return parseDecimal(x.String())
	case string:
		return parseDecimal(x)
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case float64:
		// only reached for trees built without UseNumber
		return decimal.NewFromFloat(x), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %T", ErrNotMonetary, v)
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrNotMonetary, s)
	}
	return d, nil
}

// Decode turns a JSON document into a generic tree, keeping numbers exact.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// Tree converts a typed value into a generic tree via its JSON encoding.
func Tree(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Into decodes a generic tree into the typed value pointed to by dst.
func Into(tree any, dst any) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
