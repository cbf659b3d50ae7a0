package registry

import (
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"

	"farcall/rpcerr"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// FuncHandler adapts an ordinary Go function into a Handler via reflection.
//
// Accepted signatures: any parameter list, returning nothing, a single value,
// an error, or (value, error). Each wire argument is decoded into the
// corresponding parameter type; variadic functions absorb the trailing
// arguments into the variadic element type.
//
// Failures are classified by cause kind: argument count or decode problems
// become bad-arity causes, a panic during execution is recovered into a
// runtime cause carrying the stack captured at the point of failure.
// FuncHandler panics if fn is not a function or returns more than two
// values; that is a registration bug, caught before serving starts.
func FuncHandler(fn any) Handler {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		panic(fmt.Sprintf("registry: FuncHandler needs a func, got %s", t.Kind()))
	}
	if t.NumOut() > 2 {
		panic(fmt.Sprintf("registry: too many return values on %s", t))
	}
	if t.NumOut() == 2 && t.Out(1) != errorType {
		panic(fmt.Sprintf("registry: second return value of %s must be error", t))
	}

	return func(args []json.RawMessage) (result any, err error) {
		in, arityErr := decodeArgs(t, args)
		if arityErr != nil {
			return nil, arityErr
		}

		defer func() {
			if rec := recover(); rec != nil {
				err = &rpcerr.Cause{
					Kind:  rpcerr.KindRuntime,
					Msg:   fmt.Sprintf("%v", rec),
					Stack: string(debug.Stack()),
				}
			}
		}()

		out := v.Call(in)
		return splitResults(t, out)
	}
}

// decodeArgs materializes the serialized positional arguments as the
// function's parameter values, enforcing arity.
func decodeArgs(t reflect.Type, args []json.RawMessage) ([]reflect.Value, error) {
	numIn := t.NumIn()
	if t.IsVariadic() {
		if len(args) < numIn-1 {
			return nil, arityError(numIn-1, len(args), "at least ")
		}
	} else if len(args) != numIn {
		return nil, arityError(numIn, len(args), "")
	}

	in := make([]reflect.Value, 0, len(args))
	for i, raw := range args {
		pt := paramType(t, i)
		pv := reflect.New(pt)
		if err := json.Unmarshal(raw, pv.Interface()); err != nil {
			return nil, &rpcerr.Cause{
				Kind: rpcerr.KindBadArity,
				Msg:  fmt.Sprintf("argument %d does not decode as %s: %v", i, pt, err),
			}
		}
		in = append(in, pv.Elem())
	}
	return in, nil
}

func paramType(t reflect.Type, i int) reflect.Type {
	if t.IsVariadic() && i >= t.NumIn()-1 {
		return t.In(t.NumIn() - 1).Elem()
	}
	return t.In(i)
}

func arityError(want, got int, qualifier string) error {
	return &rpcerr.Cause{
		Kind: rpcerr.KindBadArity,
		Msg:  fmt.Sprintf("expected %s%d argument(s), got %d", qualifier, want, got),
	}
}

func splitResults(t reflect.Type, out []reflect.Value) (any, error) {
	switch t.NumOut() {
	case 0:
		return nil, nil
	case 1:
		if t.Out(0) == errorType {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	default:
		return out[0].Interface(), asError(out[1])
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
