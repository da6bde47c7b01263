package settings

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Encode renders v as a single-line literal. Strings are apostrophe-quoted so
// that they never read back as numbers or booleans; floats always carry a
// decimal point or exponent so they never read back as integers. Slices,
// arrays and string-keyed maps of such values encode in YAML flow style.
func Encode(v any) (string, error) {
	n, err := toNode(reflect.ValueOf(v))
	if err != nil {
		return "", err
	}
	if n.Kind == yaml.ScalarNode {
		if n.Tag == "!!str" {
			if strings.ContainsAny(n.Value, "\r\n") {
				return "", fmt.Errorf("string value does not fit on one line")
			}
			return quote(n.Value), nil
		}
		return n.Value, nil
	}
	b, err := yaml.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("encode %T: %w", v, err)
	}
	out := strings.TrimSpace(string(b))
	if strings.Contains(out, "\n") {
		return "", fmt.Errorf("value of type %T does not fit on one line", v)
	}
	return out, nil
}

func toNode(rv reflect.Value) (*yaml.Node, error) {
	scalar := func(tag, value string, style yaml.Style) *yaml.Node {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value, Style: style}
	}
	if !rv.IsValid() {
		return scalar("!!null", "null", 0), nil
	}
	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return scalar("!!null", "null", 0), nil
		}
		return toNode(rv.Elem())
	case reflect.String:
		return scalar("!!str", rv.String(), yaml.SingleQuotedStyle), nil
	case reflect.Bool:
		return scalar("!!bool", strconv.FormatBool(rv.Bool()), 0), nil
	case reflect.Float32, reflect.Float64:
		return scalar("!!float", formatFloat(rv.Float()), 0), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return scalar("!!int", strconv.FormatInt(rv.Int(), 10), 0), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return scalar("!!int", strconv.FormatUint(rv.Uint(), 10), 0), nil
	case reflect.Slice, reflect.Array:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Style: yaml.FlowStyle}
		for i := 0; i < rv.Len(); i++ {
			c, err := toNode(rv.Index(i))
			if err != nil {
				return nil, err
			}
			seq.Content = append(seq.Content, c)
		}
		return seq, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Style: yaml.FlowStyle}
		for _, k := range keys {
			c, err := toNode(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())))
			if err != nil {
				return nil, err
			}
			m.Content = append(m.Content, scalar("!!str", k, yaml.SingleQuotedStyle), c)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported settings value type %s", rv.Type())
	}
}

// Decode parses a literal written by Encode. Bare words are rejected, a string
// must be quoted.
func Decode(raw string) (any, error) {
	var n yaml.Node
	if err := decodeNode(raw, &n); err != nil {
		return nil, err
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrParse, raw, err)
	}
	return v, nil
}

// DecodeInto parses raw into out, which must be a pointer.
func DecodeInto(raw string, out any) error {
	var n yaml.Node
	if err := decodeNode(raw, &n); err != nil {
		return err
	}
	if err := n.Decode(out); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrParse, raw, err)
	}
	return nil
}

func decodeNode(raw string, n *yaml.Node) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty value", ErrParse)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrParse, raw, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return fmt.Errorf("%w: %q is not a single literal", ErrParse, raw)
	}
	top := doc.Content[0]
	if top.Kind == yaml.ScalarNode && top.ShortTag() == "!!str" &&
		top.Style&(yaml.SingleQuotedStyle|yaml.DoubleQuotedStyle) == 0 {
		return fmt.Errorf("%w: unquoted string %q", ErrParse, raw)
	}
	*n = *top
	return nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return ".nan"
	case math.IsInf(f, 1):
		return ".inf"
	case math.IsInf(f, -1):
		return "-.inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
