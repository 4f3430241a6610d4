package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"reflect"
	"sort"

	"gopkg.in/yaml.v3"
)

// TypeKey is the mapping key that carries a node's tag in a document.
const TypeKey = "type"

// Encode renders n as a tagged YAML mapping: the first key is TypeKey, then
// the node's fields in declaration order. Nested nodes and lists of nodes are
// encoded the same way. The tag must be registered in r.
func (r *Registry) Encode(n Node) (*yaml.Node, error) {
	return r.encode("", n)
}

func (r *Registry) encode(path string, n Node) (*yaml.Node, error) {
	v, err := structOf(n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", displayPath(path), err)
	}
	tag := n.Tag()
	factory, err := r.Resolve(tag)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", displayPath(path), err)
	}
	// A zero value is only omitted when decoding would restore the same zero.
	defaults, err := structOf(factory())
	if err != nil || defaults.Type() != v.Type() {
		defaults = reflect.Value{}
	}
	out := &yaml.Node{Kind: yaml.MappingNode}
	appendPair(out, TypeKey, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: tag})
	if err := r.encodeFields(out, path, v, defaults); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Registry) encodeFields(out *yaml.Node, path string, v, defaults reflect.Value) error {
	for _, f := range fieldsOf(v.Type()) {
		fv := v.Field(f.index)
		var dv reflect.Value
		if defaults.IsValid() {
			dv = defaults.Field(f.index)
		}
		if f.inline {
			if err := r.encodeFields(out, path, fv, dv); err != nil {
				return err
			}
			continue
		}
		if f.omitEmpty && fv.IsZero() && (!dv.IsValid() || dv.IsZero()) {
			continue
		}
		p := joinPath(path, f.name)
		var child *yaml.Node
		switch f.kind {
		case nodeField:
			if isNilValue(fv) {
				child = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
				break
			}
			c, err := r.encode(p, fv.Interface().(Node))
			if err != nil {
				return err
			}
			child = c
		case nodeListField:
			child = &yaml.Node{Kind: yaml.SequenceNode}
			for i := 0; i < fv.Len(); i++ {
				ev := fv.Index(i)
				ep := fmt.Sprintf("%s[%d]", p, i)
				if isNilValue(ev) {
					return fmt.Errorf("%w: %s is nil", ErrSchemaMismatch, ep)
				}
				c, err := r.encode(ep, ev.Interface().(Node))
				if err != nil {
					return err
				}
				child.Content = append(child.Content, c)
			}
		default:
			child = &yaml.Node{}
			if err := child.Encode(fv.Interface()); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
		}
		appendPair(out, f.name, child)
	}
	return nil
}

func appendPair(m *yaml.Node, key string, value *yaml.Node) {
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}

// Decode rebuilds a node from a tagged document. The TypeKey of every mapping
// selects the factory; missing required fields, unknown keys, values of the
// wrong shape and nodes that do not fit their field's type are
// ErrSchemaMismatch, unregistered tags are ErrUnknownTag.
func (r *Registry) Decode(doc *yaml.Node) (Node, error) {
	return r.decode("", doc)
}

func (r *Registry) decode(path string, n *yaml.Node) (Node, error) {
	n = unwrap(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: %s: expected a mapping with a %q key", ErrSchemaMismatch, displayPath(path), TypeKey)
	}
	keys := make(map[string]*yaml.Node, len(n.Content)/2)
	var tag string
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, val := n.Content[i].Value, n.Content[i+1]
		if k == TypeKey {
			tag = val.Value
			continue
		}
		keys[k] = val
	}
	if tag == "" {
		return nil, fmt.Errorf("%w: %s: missing %q key", ErrSchemaMismatch, displayPath(path), TypeKey)
	}
	factory, err := r.Resolve(tag)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", displayPath(path), err)
	}
	node := factory()
	v, err := structOf(node)
	if err != nil {
		return nil, err
	}
	if err := r.decodeFields(keys, path, v); err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		unknown := make([]string, 0, len(keys))
		for k := range keys {
			unknown = append(unknown, k)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %s: unknown field %q for %q", ErrSchemaMismatch, displayPath(path), unknown[0], tag)
	}
	return node, nil
}

// decodeFields consumes the keys it decodes so the caller can reject leftovers.
func (r *Registry) decodeFields(keys map[string]*yaml.Node, path string, v reflect.Value) error {
	for _, f := range fieldsOf(v.Type()) {
		fv := v.Field(f.index)
		if f.inline {
			if err := r.decodeFields(keys, path, fv); err != nil {
				return err
			}
			continue
		}
		p := joinPath(path, f.name)
		kn, ok := keys[f.name]
		delete(keys, f.name)
		if !ok || isNull(kn) {
			if f.required {
				return fmt.Errorf("%w: %s: required field missing", ErrSchemaMismatch, p)
			}
			continue
		}
		switch f.kind {
		case nodeField:
			child, err := r.decode(p, kn)
			if err != nil {
				return err
			}
			if err := assign(fv, child, p); err != nil {
				return err
			}
		case nodeListField:
			kn = unwrap(kn)
			if kn.Kind != yaml.SequenceNode {
				return fmt.Errorf("%w: %s: expected a list", ErrSchemaMismatch, p)
			}
			list := reflect.MakeSlice(fv.Type(), len(kn.Content), len(kn.Content))
			for i, item := range kn.Content {
				ep := fmt.Sprintf("%s[%d]", p, i)
				child, err := r.decode(ep, item)
				if err != nil {
					return err
				}
				if err := assign(list.Index(i), child, ep); err != nil {
					return err
				}
			}
			fv.Set(list)
		default:
			if err := decodeValue(kn, fv); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrSchemaMismatch, p, err)
			}
		}
	}
	return nil
}

func assign(dst reflect.Value, n Node, path string) error {
	nv := reflect.ValueOf(n)
	if !nv.Type().AssignableTo(dst.Type()) {
		return fmt.Errorf("%w: %s: %q (%T) does not satisfy %s", ErrSchemaMismatch, path, n.Tag(), n, dst.Type())
	}
	dst.Set(nv)
	return nil
}

// decodeValue decodes a plain field. Integer fields are normalized here, once:
// integral floats such as 8.0 are accepted, fractional ones are rejected.
func decodeValue(n *yaml.Node, fv reflect.Value) error {
	t := fv.Type()
	if t.Kind() == reflect.Pointer && isInt(t.Elem().Kind()) {
		ptr := reflect.New(t.Elem())
		if err := decodeInt(n, ptr.Elem()); err != nil {
			return err
		}
		fv.Set(ptr)
		return nil
	}
	if isInt(t.Kind()) {
		return decodeInt(n, fv)
	}
	ptr := reflect.New(t)
	if err := n.Decode(ptr.Interface()); err != nil {
		return err
	}
	fv.Set(ptr.Elem())
	return nil
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func decodeInt(n *yaml.Node, fv reflect.Value) error {
	var raw any
	if err := n.Decode(&raw); err != nil {
		return err
	}
	var i int64
	switch x := raw.(type) {
	case int:
		i = int64(x)
	case int64:
		i = x
	case uint64:
		if x > math.MaxInt64 {
			return fmt.Errorf("%d overflows %s", x, fv.Type())
		}
		i = int64(x)
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.Abs(x) > math.MaxInt64 {
			return fmt.Errorf("%v is not an integer", x)
		}
		i = int64(x)
	default:
		return fmt.Errorf("%q is not a number", n.Value)
	}
	if fv.OverflowInt(i) {
		return fmt.Errorf("%d overflows %s", i, fv.Type())
	}
	fv.SetInt(i)
	return nil
}

func unwrap(n *yaml.Node) *yaml.Node {
	for n != nil {
		switch n.Kind {
		case yaml.DocumentNode:
			if len(n.Content) == 0 {
				return nil
			}
			n = n.Content[0]
		case yaml.AliasNode:
			n = n.Alias
		default:
			return n
		}
	}
	return nil
}

func isNull(n *yaml.Node) bool {
	n = unwrap(n)
	return n == nil || (n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null")
}

// Marshal encodes n as YAML bytes.
func (r *Registry) Marshal(n Node) ([]byte, error) {
	doc, err := r.Encode(n)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes YAML bytes holding one tagged document.
func (r *Registry) Unmarshal(data []byte) (Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return r.Decode(&doc)
}

// Load reads and decodes the config file at path.
func (r *Registry) Load(path string) (Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	n, err := r.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return n, nil
}

// Encode encodes n with the Default registry.
func Encode(n Node) (*yaml.Node, error) { return Default.Encode(n) }

// Decode decodes doc with the Default registry.
func Decode(doc *yaml.Node) (Node, error) { return Default.Decode(doc) }

// Marshal encodes n as YAML with the Default registry.
func Marshal(n Node) ([]byte, error) { return Default.Marshal(n) }

// Unmarshal decodes YAML with the Default registry.
func Unmarshal(data []byte) (Node, error) { return Default.Unmarshal(data) }

// Load reads a config file with the Default registry.
func Load(path string) (Node, error) { return Default.Load(path) }

// DecodeAs unmarshals data and asserts the root is a T.
func DecodeAs[T Node](r *Registry, data []byte) (T, error) {
	var zero T
	n, err := r.Unmarshal(data)
	if err != nil {
		return zero, err
	}
	t, ok := n.(T)
	if !ok {
		return zero, fmt.Errorf("%w: root is %q (%T), want %T", ErrSchemaMismatch, n.Tag(), n, zero)
	}
	return t, nil
}
