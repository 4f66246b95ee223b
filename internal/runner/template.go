package runner

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
)

// ExpandTemplates expands ${VAR} references in place in the job (or any
// struct, or slice of structs) pointed to by in.
//
// String, *string and []string fields are expanded only when they carry a
// `template` tag other than `template:"-"`. map[string]string fields are
// always expanded. Structs, struct pointers and slices of them are walked
// whatever their tag. Nil values and unexported fields are left alone.
func ExpandTemplates[T any](in *T, variables map[string]string) error {
	if in == nil {
		return nil
	}

	e := &expander{variables: variables}
	v := reflect.ValueOf(in).Elem()
	switch v.Kind() {
	case reflect.Struct:
		e.walkStruct(v)
	case reflect.Slice:
		e.walkSlice(v, true)
	default:
		return fmt.Errorf("ExpandTemplates expects *struct or *[]struct; got *%s", v.Type())
	}

	return e.err
}

// Expand replaces ${VAR} and $VAR references in value. ${VAR:-default}
// falls back to default when VAR is not a known variable; any other unknown
// reference is an error.
func Expand(value string, variables map[string]string) (string, error) {
	e := &expander{variables: variables}
	out := e.expand(value)
	if e.err != nil {
		return "", e.err
	}
	return out, nil
}

// ExpandMap expands every value of values into a new map.
func ExpandMap(values map[string]string, variables map[string]string) (map[string]string, error) {
	if values == nil {
		return nil, nil
	}

	e := &expander{variables: variables}
	out := e.expandMap(values)
	if e.err != nil {
		return nil, e.err
	}
	return out, nil
}

type expander struct {
	variables map[string]string
	err       error
}

func (e *expander) expand(value string) string {
	return os.Expand(value, func(ref string) string {
		name, fallback, hasFallback := strings.Cut(ref, ":-")
		if val, ok := e.variables[name]; ok {
			return val
		}
		if hasFallback {
			return fallback
		}
		e.err = errors.Join(e.err, fmt.Errorf("environment variable %q is not in the allowed list", name))
		return ""
	})
}

func (e *expander) expandMap(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = e.expand(v)
	}
	return out
}

func templated(sf reflect.StructField) bool {
	tag, ok := sf.Tag.Lookup("template")
	return ok && tag != "-"
}

func (e *expander) walkStruct(v reflect.Value) {
	typ := v.Type()
	for i := range typ.NumField() {
		sf := typ.Field(i)
		if !sf.IsExported() {
			continue
		}
		e.walkField(v.Field(i), templated(sf))
	}
}

func (e *expander) walkField(field reflect.Value, tagged bool) {
	switch field.Kind() {
	case reflect.String:
		if tagged {
			field.SetString(e.expand(field.String()))
		}

	case reflect.Ptr:
		if field.IsNil() {
			return
		}
		switch elem := field.Elem(); elem.Kind() {
		case reflect.String:
			if tagged {
				// Replace rather than write through, the pointee may be shared.
				expanded := reflect.New(elem.Type())
				expanded.Elem().SetString(e.expand(elem.String()))
				field.Set(expanded)
			}
		case reflect.Struct:
			e.walkStruct(elem)
		}

	case reflect.Map:
		typ := field.Type()
		if typ.Key().Kind() != reflect.String || typ.Elem().Kind() != reflect.String || field.IsNil() {
			return
		}
		field.Set(reflect.ValueOf(e.expandMap(field.Interface().(map[string]string))))

	case reflect.Struct:
		e.walkStruct(field)

	case reflect.Slice:
		e.walkSlice(field, tagged)
	}
}

func (e *expander) walkSlice(v reflect.Value, tagged bool) {
	if v.IsNil() {
		return
	}

	elem := v.Type().Elem()
	for i := range v.Len() {
		el := v.Index(i)
		switch {
		case elem.Kind() == reflect.String:
			if tagged {
				el.SetString(e.expand(el.String()))
			}
		case elem.Kind() == reflect.Struct:
			e.walkStruct(el)
		case elem.Kind() == reflect.Ptr && elem.Elem().Kind() == reflect.Struct:
			if !el.IsNil() {
				e.walkStruct(el.Elem())
			}
		default:
			return
		}
	}
}
