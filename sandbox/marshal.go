package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/dop251/goja"
)

// Default marshaling limits.
const (
	DefaultMaxDepth       = 32
	DefaultMaxNodes       = 100_000
	DefaultMaxStringBytes = 4 << 20
)

// Limits bound the size of a value crossing the boundary in either direction.
type Limits struct {
	MaxDepth       int
	MaxNodes       int
	MaxStringBytes int
}

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	if l.MaxNodes <= 0 {
		l.MaxNodes = DefaultMaxNodes
	}
	if l.MaxStringBytes <= 0 {
		l.MaxStringBytes = DefaultMaxStringBytes
	}
	return l
}

// GuestError is the host form of an error value: either an error object that
// crossed the boundary as data or an exception raised by guest code.
type GuestError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

func (e *GuestError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Marshaler converts values between host and guest. Only a closed set of
// kinds is accepted: primitives, arrays, plain objects and errors.
type Marshaler struct {
	vm     *goja.Runtime
	limits Limits

	// intrinsics maps built-in prototypes to the kind they mark. goja
	// reports most of these objects with class "Object".
	intrinsics map[*goja.Object]string
}

const typedArrayKind = "TypedArray"

// NewMarshaler returns a marshaler for vm. It must be created before guest
// code runs.
func NewMarshaler(vm *goja.Runtime, limits Limits) *Marshaler {
	m := &Marshaler{vm: vm, limits: limits.withDefaults(), intrinsics: make(map[*goja.Object]string)}
	for _, name := range []string{"Promise", "Map", "Set", "WeakMap", "WeakSet", "WeakRef", "RegExp", "ArrayBuffer", "DataView"} {
		ctor, ok := vm.Get(name).(*goja.Object)
		if !ok {
			continue
		}
		if proto, ok := ctor.Get("prototype").(*goja.Object); ok {
			m.intrinsics[proto] = name
		}
	}
	if ctor, ok := vm.Get("Uint8Array").(*goja.Object); ok {
		if proto, ok := ctor.Get("prototype").(*goja.Object); ok && proto.Prototype() != nil {
			m.intrinsics[proto.Prototype()] = typedArrayKind
		}
	}
	return m
}

var promiseType = reflect.TypeOf((*goja.Promise)(nil))

// isPromise reports whether obj is a promise. It inspects the export type
// only; exporting the value would walk and run getters of plain objects.
func isPromise(obj *goja.Object) bool {
	return obj.ExportType() == promiseType
}

// intrinsicKind returns the built-in kind obj inherits from, if any.
func (m *Marshaler) intrinsicKind(obj *goja.Object) string {
	if isPromise(obj) {
		return "Promise"
	}
	for p := obj.Prototype(); p != nil; p = p.Prototype() {
		if kind, ok := m.intrinsics[p]; ok {
			return kind
		}
	}
	return ""
}

type walk struct {
	nodes int
	seen  map[*goja.Object]bool
}

func (w *walk) count(m *Marshaler, path string) error {
	w.nodes++
	if w.nodes > m.limits.MaxNodes {
		return &SerializationError{Path: path, Reason: fmt.Sprintf("value has more than %d nodes", m.limits.MaxNodes)}
	}
	return nil
}

// ToHost converts a guest value to nil, bool, int64, float64, string,
// []any, map[string]any or *GuestError.
func (m *Marshaler) ToHost(v goja.Value) (any, error) {
	w := &walk{seen: make(map[*goja.Object]bool)}
	return m.toHost(v, "$", 0, w)
}

func (m *Marshaler) toHost(v goja.Value, path string, depth int, w *walk) (any, error) {
	if err := w.count(m, path); err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if _, ok := v.(*goja.Symbol); ok {
		return nil, &SerializationError{Path: path, Reason: "symbols cannot cross the sandbox boundary"}
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return m.primitiveToHost(v.Export(), path)
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return nil, &SerializationError{Path: path, Reason: "functions cannot cross the sandbox boundary"}
	}
	if err := m.checkDepth(path, depth); err != nil {
		return nil, err
	}
	if w.seen[obj] {
		return nil, &SerializationError{Path: path, Reason: "value contains a cycle"}
	}
	w.seen[obj] = true
	defer delete(w.seen, obj)

	switch obj.ClassName() {
	case "Array":
		return m.arrayToHost(obj, path, depth, w)
	case "Error":
		return m.errorObject(obj), nil
	case "Date":
		if t, ok := obj.Export().(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano), nil
		}
		return nil, &SerializationError{Path: path, Reason: "invalid date"}
	}

	switch kind := m.intrinsicKind(obj); kind {
	case "":
	case "Promise":
		return nil, &SerializationError{Path: path, Reason: "promise was not awaited"}
	case typedArrayKind:
		return m.arrayToHost(obj, path, depth, w)
	default:
		return nil, &SerializationError{Path: path, Reason: kind + " values cannot cross the sandbox boundary"}
	}

	keys := obj.Keys()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		item, err := m.toHost(obj.Get(k), childPath(path, k), depth+1, w)
		if err != nil {
			return nil, err
		}
		out[k] = item
	}
	return out, nil
}

// arrayToHost converts arrays and typed arrays element by element.
func (m *Marshaler) arrayToHost(obj *goja.Object, path string, depth int, w *walk) (any, error) {
	n := obj.Get("length").ToInteger()
	out := make([]any, 0, min(n, 1024))
	for i := int64(0); i < n; i++ {
		idx := strconv.FormatInt(i, 10)
		item, err := m.toHost(obj.Get(idx), path+"["+idx+"]", depth+1, w)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *Marshaler) checkDepth(path string, depth int) error {
	if depth >= m.limits.MaxDepth {
		return &SerializationError{Path: path, Reason: fmt.Sprintf("value is nested deeper than %d levels", m.limits.MaxDepth)}
	}
	return nil
}

func (m *Marshaler) primitiveToHost(v any, path string) (any, error) {
	switch x := v.(type) {
	case bool, int64:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, nil
		}
		return x, nil
	case string:
		if len(x) > m.limits.MaxStringBytes {
			return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("string longer than %d bytes", m.limits.MaxStringBytes)}
		}
		return x, nil
	case *big.Int:
		return nil, &SerializationError{Path: path, Reason: "bigint values cannot cross the sandbox boundary"}
	}
	return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("unsupported value of type %T", v)}
}

var stackFrame = regexp.MustCompile(`at [^\n]*?\(?([^\s()]+):(\d+):(\d+)`)

func (m *Marshaler) errorObject(obj *goja.Object) *GuestError {
	ge := &GuestError{
		Name:    stringProp(obj, "name"),
		Message: stringProp(obj, "message"),
		Stack:   stringProp(obj, "stack"),
	}
	if ge.Name == "" {
		ge.Name = "Error"
	}
	if ge.Message == "" {
		ge.Message = ge.Name + " (no message)"
	}
	if match := stackFrame.FindStringSubmatch(ge.Stack); match != nil {
		ge.Line, _ = strconv.Atoi(match[2])
		ge.Column, _ = strconv.Atoi(match[3])
	}
	return ge
}

func stringProp(obj *goja.Object, name string) string {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// HostError converts a thrown or rejected guest value into a host error that
// always carries a readable message. Host errors that were raised into the
// guest come back unchanged.
func (m *Marshaler) HostError(v goja.Value) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &GuestError{Name: "Error", Message: "guest threw " + fmt.Sprint(v)}
	}
	if obj, ok := v.(*goja.Object); ok {
		if err := m.wrappedHostError(obj); err != nil {
			return err
		}
		if obj.ClassName() == "Error" {
			return m.errorObject(obj)
		}
	}
	if s, ok := v.Export().(string); ok {
		return &GuestError{Name: "Error", Message: s}
	}
	host, err := m.ToHost(v)
	if err != nil {
		return &GuestError{Name: "Error", Message: "guest threw a value that cannot be described: " + ErrorMessage(err)}
	}
	data, err := json.Marshal(host)
	if err != nil {
		return &GuestError{Name: "Error", Message: fmt.Sprintf("guest threw %v", host)}
	}
	return &GuestError{Name: "Error", Message: "guest threw " + string(data)}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// wrappedHostError returns the host error carried by a Go error object.
// Guest objects with a throwing "value" getter carry none.
func (m *Marshaler) wrappedHostError(obj *goja.Object) (err error) {
	_ = m.vm.Try(func() {
		inner, ok := obj.Get("value").(*goja.Object)
		if !ok {
			return
		}
		if t := inner.ExportType(); t != nil && t.Implements(errorType) {
			err, _ = inner.Export().(error)
		}
	})
	return err
}

// ExceptionError converts a runtime exception into a host error, keeping the
// position of the innermost frame.
func (m *Marshaler) ExceptionError(ex *goja.Exception) error {
	err := m.HostError(ex.Value())
	var ge *GuestError
	if errors.As(err, &ge) && ge.Line == 0 {
		for _, frame := range ex.Stack() {
			pos := frame.Position()
			if pos.Line > 0 {
				ge.Line, ge.Column = pos.Line, pos.Column
				break
			}
		}
	}
	return err
}

// ToGuest converts a host value into the runtime. Structs and typed
// collections are normalised through their JSON form first.
func (m *Marshaler) ToGuest(v any) (goja.Value, error) {
	w := &walk{}
	return m.toGuest(v, "$", 0, w)
}

func (m *Marshaler) toGuest(v any, path string, depth int, w *walk) (goja.Value, error) {
	if err := w.count(m, path); err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case nil:
		return goja.Null(), nil
	case goja.Value:
		return x, nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return m.vm.ToValue(x), nil
	case string:
		if len(x) > m.limits.MaxStringBytes {
			return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("string longer than %d bytes", m.limits.MaxStringBytes)}
		}
		return m.vm.ToValue(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, &SerializationError{Path: path, Reason: "invalid number " + x.String()}
		}
		return m.vm.ToValue(f), nil
	case time.Time:
		return m.vm.ToValue(x.UTC().Format(time.RFC3339Nano)), nil
	case *GuestError:
		obj := m.vm.NewObject()
		_ = obj.Set("name", x.Name)
		_ = obj.Set("message", x.Message)
		return obj, nil
	case error:
		return m.vm.NewGoError(errors.New(ErrorMessage(x))), nil
	case []any:
		if err := m.checkDepth(path, depth); err != nil {
			return nil, err
		}
		items := make([]any, len(x))
		for i, item := range x {
			gv, err := m.toGuest(item, path+"["+strconv.Itoa(i)+"]", depth+1, w)
			if err != nil {
				return nil, err
			}
			items[i] = gv
		}
		return m.vm.NewArray(items...), nil
	case map[string]any:
		if err := m.checkDepth(path, depth); err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := m.vm.NewObject()
		for _, k := range keys {
			gv, err := m.toGuest(x[k], childPath(path, k), depth+1, w)
			if err != nil {
				return nil, err
			}
			_ = obj.Set(k, gv)
		}
		return obj, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("%s values cannot cross the sandbox boundary", rv.Kind())}
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return goja.Null(), nil
		}
		return m.toGuest(rv.Elem().Interface(), path, depth, w)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return goja.Null(), nil
		}
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return m.toGuest(items, path, depth, w)
	}

	normalized, err := viaJSON(v)
	if err != nil {
		return nil, &SerializationError{Path: path, Reason: ErrorMessage(err)}
	}
	return m.toGuest(normalized, path, depth, w)
}

func viaJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

var identPath = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

func childPath(parent, key string) string {
	if identPath.MatchString(key) {
		return parent + "." + key
	}
	return parent + "[" + strconv.Quote(key) + "]"
}
