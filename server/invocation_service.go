package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/springboard/vm"
)

// Procedures served by the invocation service.
const (
	InvokeProcedure      = "/springboard.v1.InvocationService/Invoke"
	ListMethodsProcedure = "/springboard.v1.InvocationService/ListMethods"
)

// RequestIDHeader carries the id each request is logged under.
const RequestIDHeader = "X-Request-Id"

// maxExactInt is the largest integer a JSON number holds exactly.
const maxExactInt = 1 << 53

func log() commonlog.Logger {
	return commonlog.GetLogger("springboard.server")
}

// InvocationService calls VM methods on behalf of remote clients.
//
// An Invoke request is a Struct with "method", a name or a table index, and
// "args", a list matching the method signature. Integers are numbers or
// decimal strings, floats are numbers, references are numbers or null. The
// response is the method's value (null for void methods); integers outside
// the exactly representable range come back as strings.
type InvocationService struct {
	vm   *vm.VM
	pool *Pool
}

// NewInvocationService creates an InvocationService running calls on pool.
func NewInvocationService(v *vm.VM, pool *Pool) *InvocationService {
	return &InvocationService{vm: v, pool: pool}
}

// Invoke runs one method call.
func (s *InvocationService) Invoke(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Value], error) {
	id := uuid.NewString()

	desc, err := s.resolve(req.Msg)
	if err != nil {
		return nil, withRequestID(id, err)
	}
	args, err := decodeArgs(desc, req.Msg.GetFields()["args"])
	if err != nil {
		return nil, withRequestID(id, connect.NewError(connect.CodeInvalidArgument, err))
	}

	log().Debug("invoke", "request", id, "method", desc.String(), "args", len(args))
	result, err := s.pool.Do(ctx, func(v *vm.VM, stack *vm.ManagedStack) (vm.Slot, error) {
		return v.InvokeOn(stack, desc.Index(), args...)
	})
	if err != nil {
		return nil, withRequestID(id, s.callError(id, desc, err))
	}

	resp := connect.NewResponse(encodeResult(desc.Signature().Return, result))
	resp.Header().Set(RequestIDHeader, id)
	return resp, nil
}

// ListMethods describes every method in the table.
func (s *InvocationService) ListMethods(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.ListValue], error) {
	list := &structpb.ListValue{}
	s.vm.Methods.Each(func(d *vm.MethodDescriptor) {
		list.Values = append(list.Values, structpb.NewStructValue(&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"index":     structpb.NewNumberValue(float64(d.Index())),
				"name":      structpb.NewStringValue(d.Name()),
				"signature": structpb.NewStringValue(d.Signature().String()),
				"state":     structpb.NewStringValue(d.State().String()),
				"native":    structpb.NewBoolValue(d.IsNative()),
			},
		}))
	})
	return connect.NewResponse(list), nil
}

// resolve finds the method named by the request.
func (s *InvocationService) resolve(msg *structpb.Struct) (*vm.MethodDescriptor, error) {
	field, ok := msg.GetFields()["method"]
	if !ok {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("method is required"))
	}
	var idx vm.MethodIndex
	switch k := field.GetKind().(type) {
	case *structpb.Value_StringValue:
		found, ok := s.vm.Methods.ByName(k.StringValue)
		if !ok {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("method %q not found", k.StringValue))
		}
		idx = found
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("bad method index %v", n))
		}
		idx = vm.MethodIndex(n)
	default:
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("method must be a name or an index"))
	}
	desc, err := s.vm.Methods.Lookup(idx)
	if err != nil {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	return desc, nil
}

// withRequestID attaches the request id to an error response.
func withRequestID(id string, err error) error {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		cerr = connect.NewError(connect.CodeInternal, err)
	}
	cerr.Meta().Set(RequestIDHeader, id)
	return cerr
}

// callError maps a failed call to a Connect error.
func (s *InvocationService) callError(id string, desc *vm.MethodDescriptor, err error) error {
	if thrown, ok := vm.AsThrown(err); ok {
		log().Info("call threw", "request", id, "method", desc.String(), "error", err.Error())
		cerr := connect.NewError(connect.CodeFailedPrecondition, err)
		if detail, derr := connect.NewErrorDetail(throwDetail(thrown)); derr == nil {
			cerr.AddDetail(detail)
		}
		return cerr
	}

	var ie *vm.InternalError
	switch {
	case errors.As(err, &ie):
		log().Error("internal error", "request", id, "method", desc.String(), "error", err.Error())
		return connect.NewError(connect.CodeInternal, fmt.Errorf("internal error (request %s)", id))
	case errors.Is(err, vm.ErrUnknownMethod):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, vm.ErrStackOverflow):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, ErrPoolStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	log().Error("call failed", "request", id, "method", desc.String(), "error", err.Error())
	return connect.NewError(connect.CodeInternal, err)
}

// throwDetail describes a managed throw for error details.
func throwDetail(t *vm.Thrown) *structpb.Struct {
	trace := make([]*structpb.Value, len(t.Trace))
	for i, e := range t.Trace {
		trace[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"method": structpb.NewNumberValue(float64(e.Method)),
			"pc":     structpb.NewNumberValue(float64(e.PC)),
		}})
	}
	fields := map[string]*structpb.Value{
		"ref":   structpb.NewNumberValue(float64(t.Ref)),
		"trace": structpb.NewListValue(&structpb.ListValue{Values: trace}),
	}
	if t.Cause != nil {
		fields["cause"] = structpb.NewStringValue(t.Cause.Error())
	}
	return &structpb.Struct{Fields: fields}
}

func decodeArgs(desc *vm.MethodDescriptor, field *structpb.Value) ([]vm.Slot, error) {
	var values []*structpb.Value
	if field != nil {
		list := field.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("args must be a list")
		}
		values = list.GetValues()
	}
	params := desc.Signature().Params
	if len(values) != len(params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", desc, len(params), len(values))
	}
	args := make([]vm.Slot, len(values))
	for i, v := range values {
		slot, err := decodeArg(params[i], v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = slot
	}
	return args, nil
}

func decodeArg(kind vm.Kind, v *structpb.Value) (vm.Slot, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		switch kind {
		case vm.KindFloat:
			return vm.FromFloat(n), nil
		case vm.KindInt:
			if n != math.Trunc(n) || math.Abs(n) > maxExactInt {
				return vm.Zero, fmt.Errorf("%v is not an exact integer", n)
			}
			return vm.FromInt(int64(n)), nil
		case vm.KindReference:
			if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
				return vm.Zero, fmt.Errorf("%v is not a reference", n)
			}
			return vm.FromRef(vm.Ref(n)), nil
		}
	case *structpb.Value_StringValue:
		switch kind {
		case vm.KindInt:
			n, err := strconv.ParseInt(k.StringValue, 10, 64)
			if err != nil {
				return vm.Zero, fmt.Errorf("%q is not an integer", k.StringValue)
			}
			return vm.FromInt(n), nil
		case vm.KindFloat:
			f, err := strconv.ParseFloat(k.StringValue, 64)
			if err != nil {
				return vm.Zero, fmt.Errorf("%q is not a float", k.StringValue)
			}
			return vm.FromFloat(f), nil
		}
	case *structpb.Value_NullValue:
		if kind == vm.KindReference {
			return vm.FromRef(vm.NullRef), nil
		}
	}
	return vm.Zero, fmt.Errorf("cannot pass %v as %s", v.AsInterface(), kind)
}

func encodeResult(kind vm.Kind, s vm.Slot) *structpb.Value {
	switch kind {
	case vm.KindInt:
		n := s.Int()
		if n > maxExactInt || n < -maxExactInt {
			return structpb.NewStringValue(strconv.FormatInt(n, 10))
		}
		return structpb.NewNumberValue(float64(n))
	case vm.KindFloat:
		f := s.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// Not representable in JSON.
			return structpb.NewStringValue(strconv.FormatFloat(f, 'g', -1, 64))
		}
		return structpb.NewNumberValue(f)
	case vm.KindReference:
		if s.Ref() == vm.NullRef {
			return structpb.NewNullValue()
		}
		return structpb.NewNumberValue(float64(s.Ref()))
	}
	return structpb.NewNullValue()
}
