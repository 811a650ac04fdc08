package kernel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/guseggert/databench/bus"
)

// ErrArguments is returned by bound handlers whose load does not fit their parameters.
var ErrArguments = errors.New("load does not match handler parameters")

var (
	instanceType = reflect.TypeOf((*Instance)(nil))
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
)

// Bind adapts fn to a HandlerFunc.
//
// fn must take *Instance as its first parameter and may return an error. The remaining parameters receive the load:
// none for an empty load, one per element for a positional load, a single struct or map for a named load,
// and a single parameter of any type for a single load. Named loads with members the struct does not declare are rejected.
//
// Bind panics if fn does not have an acceptable signature.
func Bind(fn any) HandlerFunc {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		panic(fmt.Sprintf("kernel.Bind: %s is not a func", t))
	}
	if t.IsVariadic() {
		panic(fmt.Sprintf("kernel.Bind: %s is variadic", t))
	}
	if t.NumIn() == 0 || t.In(0) != instanceType {
		panic(fmt.Sprintf("kernel.Bind: first parameter of %s must be *kernel.Instance", t))
	}
	if t.NumOut() > 1 || (t.NumOut() == 1 && t.Out(0) != errorType) {
		panic(fmt.Sprintf("kernel.Bind: %s must return nothing or an error", t))
	}

	params := make([]reflect.Type, t.NumIn()-1)
	for i := range params {
		params[i] = t.In(i + 1)
	}

	return func(inst *Instance, load bus.Payload) error {
		args, err := bindArgs(params, load)
		if err != nil {
			return err
		}
		in := append([]reflect.Value{reflect.ValueOf(inst)}, args...)
		out := v.Call(in)
		if len(out) == 1 && !out[0].IsNil() {
			return out[0].Interface().(error)
		}
		return nil
	}
}

func bindArgs(params []reflect.Type, load bus.Payload) ([]reflect.Value, error) {
	switch load.Kind {
	case bus.Empty:
		if len(params) != 0 {
			return nil, fmt.Errorf("%w: handler takes %d arguments, load is empty", ErrArguments, len(params))
		}
		return nil, nil

	case bus.Positional:
		raws, err := load.Args()
		if err != nil {
			return nil, err
		}
		if len(raws) != len(params) {
			return nil, fmt.Errorf("%w: handler takes %d arguments, load has %d", ErrArguments, len(params), len(raws))
		}
		args := make([]reflect.Value, len(raws))
		for i, raw := range raws {
			arg, err := decodeArg(raw, params[i], false)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			args[i] = arg
		}
		return args, nil

	case bus.Named:
		if len(params) != 1 || !acceptsNamed(params[0]) {
			return nil, fmt.Errorf("%w: named load needs a single struct or map parameter", ErrArguments)
		}
		arg, err := decodeArg(load.Raw, params[0], true)
		if err != nil {
			return nil, err
		}
		return []reflect.Value{arg}, nil

	case bus.Single:
		if len(params) != 1 {
			return nil, fmt.Errorf("%w: handler takes %d arguments, load is a single value", ErrArguments, len(params))
		}
		arg, err := decodeArg(load.Raw, params[0], false)
		if err != nil {
			return nil, err
		}
		return []reflect.Value{arg}, nil
	}
	return nil, fmt.Errorf("%w: unknown load kind %s", ErrArguments, load.Kind)
}

func acceptsNamed(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Interface:
		return true
	case reflect.Map:
		return t.Key().Kind() == reflect.String
	}
	return false
}

func decodeArg(raw json.RawMessage, t reflect.Type, strict bool) (reflect.Value, error) {
	ptr := reflect.New(t)
	dec := json.NewDecoder(bytes.NewReader(raw))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: decoding %s: %v", ErrArguments, t, err)
	}
	return ptr.Elem(), nil
}
