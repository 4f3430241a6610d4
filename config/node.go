package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Node is a declarative unit of a configuration tree. Implementations are
// pointers to structs; their yaml struct tags are the field schema. Two extra
// struct-tag options are understood:
//
//	rv:"required"   the field must be present in a document
//	rv:"derived"    the field is filled by Update and must be set before Build
type Node interface {
	Tag() string
}

var nodeType = reflect.TypeOf((*Node)(nil)).Elem()

type field struct {
	index     int
	name      string
	omitEmpty bool
	inline    bool
	required  bool
	derived   bool
	kind      fieldKind
}

type fieldKind int

const (
	plainField fieldKind = iota
	nodeField
	nodeListField
)

var fieldCache sync.Map // reflect.Type -> []field

func isNodeType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Interface, reflect.Pointer:
		return t.Implements(nodeType)
	}
	return false
}

func fieldsOf(t reflect.Type) []field {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]field)
	}
	var fields []field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("yaml")
		if tag == "-" {
			continue
		}
		// Unexported embedded structs still contribute their fields when inlined.
		if !sf.IsExported() && !(sf.Anonymous && strings.Contains(tag, ",inline")) {
			continue
		}
		f := field{index: i, name: strings.ToLower(sf.Name)}
		parts := strings.Split(tag, ",")
		if parts[0] != "" {
			f.name = parts[0]
		}
		for _, opt := range parts[1:] {
			switch opt {
			case "omitempty":
				f.omitEmpty = true
			case "inline":
				f.inline = true
			}
		}
		for _, opt := range strings.Split(sf.Tag.Get("rv"), ",") {
			switch opt {
			case "required":
				f.required = true
			case "derived":
				f.derived = true
			}
		}
		switch {
		case isNodeType(sf.Type):
			f.kind = nodeField
		case sf.Type.Kind() == reflect.Slice && isNodeType(sf.Type.Elem()):
			f.kind = nodeListField
		}
		if f.inline && sf.Type.Kind() != reflect.Struct {
			panic(fmt.Sprintf("config: inline field %s.%s must be a struct", t, sf.Name))
		}
		fields = append(fields, f)
	}
	fieldCache.Store(t, fields)
	return fields
}

func structOf(n Node) (reflect.Value, error) {
	v := reflect.ValueOf(n)
	if n == nil || v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%w: node must be a non-nil struct pointer, got %T", ErrSchemaMismatch, n)
	}
	return v.Elem(), nil
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func displayPath(p string) string {
	if p == "" {
		return "<root>"
	}
	return p
}

// WalkFunc is called for every node of a tree; path is the dotted field path
// ("" for the root).
type WalkFunc func(path string, n Node) error

// Walk visits n and every nested node depth-first, parents before children,
// fields in declaration order. Nil children are skipped.
func Walk(n Node, fn WalkFunc) error {
	return walk("", n, fn)
}

func walk(path string, n Node, fn WalkFunc) error {
	v, err := structOf(n)
	if err != nil {
		return err
	}
	if err := fn(path, n); err != nil {
		return err
	}
	return walkFields(path, v, fn)
}

func walkFields(path string, v reflect.Value, fn WalkFunc) error {
	for _, f := range fieldsOf(v.Type()) {
		fv := v.Field(f.index)
		switch {
		case f.inline:
			if err := walkFields(path, fv, fn); err != nil {
				return err
			}
		case f.kind == nodeField:
			if isNilValue(fv) {
				continue
			}
			if err := walk(joinPath(path, f.name), fv.Interface().(Node), fn); err != nil {
				return err
			}
		case f.kind == nodeListField:
			for i := 0; i < fv.Len(); i++ {
				ev := fv.Index(i)
				if isNilValue(ev) {
					continue
				}
				if err := walk(fmt.Sprintf("%s[%d]", joinPath(path, f.name), i), ev.Interface().(Node), fn); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// RequireDerived returns ErrResolution if any rv:"derived" field of n (not
// its children) is still zero. Build implementations call it first.
func RequireDerived(n Node) error {
	v, err := structOf(n)
	if err != nil {
		return err
	}
	return requireDerived(n.Tag(), v)
}

func requireDerived(tag string, v reflect.Value) error {
	for _, f := range fieldsOf(v.Type()) {
		fv := v.Field(f.index)
		if f.inline {
			if err := requireDerived(tag, fv); err != nil {
				return err
			}
			continue
		}
		if f.derived && fv.IsZero() {
			return fmt.Errorf("%w: %s.%s is not set; run Update before Build", ErrResolution, tag, f.name)
		}
	}
	return nil
}

// Clone returns a deep copy of n made by encoding and decoding it with the
// Default registry.
func Clone(n Node) (Node, error) {
	return Default.Clone(n)
}

// Clone returns a deep copy of n made by encoding and decoding it.
func (r *Registry) Clone(n Node) (Node, error) {
	doc, err := r.Encode(n)
	if err != nil {
		return nil, err
	}
	return r.Decode(doc)
}
