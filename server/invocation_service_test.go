package server

import (
	"errors"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ---------------------------------------------------------------------------
// Invoke: happy paths
// ---------------------------------------------------------------------------

func TestInvoke_ByName(t *testing.T) {
	svc := newTestService(t, 1)

	resp, err := svc.Invoke(bg(), invokeRequest(t, map[string]interface{}{
		"method": "add",
		"args":   []interface{}{3, 4},
	}))
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if got := resp.Msg.GetNumberValue(); got != 7 {
		t.Errorf("add(3, 4) = %v, want 7", got)
	}
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Error("response has no request id")
	}
}

func TestInvoke_ByIndex(t *testing.T) {
	svc := newTestService(t, 1)
	idx, _ := svc.vm.Methods.ByName("scale")

	resp, err := svc.Invoke(bg(), invokeRequest(t, map[string]interface{}{
		"method": float64(idx),
		"args":   []interface{}{2.0},
	}))
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if got := resp.Msg.GetNumberValue(); got != 3 {
		t.Errorf("scale(2) = %v, want 3", got)
	}
}

func TestInvoke_LargeIntegersTravelAsStrings(t *testing.T) {
	svc := newTestService(t, 1)

	resp, err := svc.Invoke(bg(), invokeRequest(t, map[string]interface{}{
		"method": "add",
		"args":   []interface{}{"9007199254740993", 0},
	}))
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if got := resp.Msg.GetStringValue(); got != "9007199254740993" {
		t.Errorf("result = %v, want the exact integer as a string", resp.Msg)
	}
}

func TestInvoke_VoidAndReferences(t *testing.T) {
	svc := newTestService(t, 1)

	resp, err := svc.Invoke(bg(), invokeRequest(t, map[string]interface{}{"method": "nop"}))
	if err != nil {
		t.Fatalf("nop returned error: %v", err)
	}
	if _, ok := resp.Msg.GetKind().(*structpb.Value_NullValue); !ok {
		t.Errorf("nop = %v, want null", resp.Msg)
	}

	resp, err = svc.Invoke(bg(), invokeRequest(t, map[string]interface{}{
		"method": "id",
		"args":   []interface{}{nil},
	}))
	if err != nil {
		t.Fatalf("id(null) returned error: %v", err)
	}
	if _, ok := resp.Msg.GetKind().(*structpb.Value_NullValue); !ok {
		t.Errorf("id(null) = %v, want null", resp.Msg)
	}

	resp, err = svc.Invoke(bg(), invokeRequest(t, map[string]interface{}{
		"method": "id",
		"args":   []interface{}{42},
	}))
	if err != nil || resp.Msg.GetNumberValue() != 42 {
		t.Errorf("id(42) = %v, %v", resp, err)
	}
}

// ---------------------------------------------------------------------------
// Invoke: error mapping
// ---------------------------------------------------------------------------

func TestInvoke_RequestErrors(t *testing.T) {
	svc := newTestService(t, 1)

	cases := []struct {
		name   string
		fields map[string]interface{}
		code   connect.Code
	}{
		{"no method", map[string]interface{}{"args": []interface{}{}}, connect.CodeInvalidArgument},
		{"unknown name", map[string]interface{}{"method": "nope"}, connect.CodeNotFound},
		{"unknown index", map[string]interface{}{"method": 999}, connect.CodeNotFound},
		{"fractional index", map[string]interface{}{"method": 1.5}, connect.CodeInvalidArgument},
		{"method of wrong type", map[string]interface{}{"method": true}, connect.CodeInvalidArgument},
		{"too few args", map[string]interface{}{"method": "add", "args": []interface{}{1}}, connect.CodeInvalidArgument},
		{"args not a list", map[string]interface{}{"method": "add", "args": "1,2"}, connect.CodeInvalidArgument},
		{"fractional int", map[string]interface{}{"method": "add", "args": []interface{}{1.5, 2}}, connect.CodeInvalidArgument},
		{"bad int string", map[string]interface{}{"method": "add", "args": []interface{}{"x", 2}}, connect.CodeInvalidArgument},
		{"null int", map[string]interface{}{"method": "add", "args": []interface{}{nil, 2}}, connect.CodeInvalidArgument},
		{"negative ref", map[string]interface{}{"method": "id", "args": []interface{}{-1}}, connect.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Invoke(bg(), invokeRequest(t, tc.fields))
			if connect.CodeOf(err) != tc.code {
				t.Errorf("code = %v (%v), want %v", connect.CodeOf(err), err, tc.code)
			}
			var cerr *connect.Error
			if !errors.As(err, &cerr) || cerr.Meta().Get(RequestIDHeader) == "" {
				t.Error("error response has no request id")
			}
		})
	}
}

func TestInvoke_ThrowIsFailedPrecondition(t *testing.T) {
	svc := newTestService(t, 1)

	_, err := svc.Invoke(bg(), invokeRequest(t, map[string]interface{}{"method": "boom"}))
	if connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Fatalf("code = %v, want FailedPrecondition", connect.CodeOf(err))
	}
	var cerr *connect.Error
	if !errors.As(err, &cerr) || len(cerr.Details()) != 1 {
		t.Fatalf("error %v carries no detail", err)
	}
	msg, derr := cerr.Details()[0].Value()
	if derr != nil {
		t.Fatal(derr)
	}
	detail, ok := msg.(*structpb.Struct)
	if !ok {
		t.Fatalf("detail is %T", msg)
	}
	if ref := detail.GetFields()["ref"].GetNumberValue(); ref != 7 {
		t.Errorf("thrown ref = %v, want 7", ref)
	}
	if trace := detail.GetFields()["trace"].GetListValue().GetValues(); len(trace) != 1 {
		t.Errorf("trace = %v, want one frame", trace)
	}
}

func TestInvoke_InternalErrorsAreContained(t *testing.T) {
	svc := newTestService(t, 1)

	for _, method := range []string{"broken", "explode", "spin"} {
		_, err := svc.Invoke(bg(), invokeRequest(t, map[string]interface{}{"method": method}))
		if connect.CodeOf(err) != connect.CodeInternal {
			t.Errorf("%s: code = %v, want Internal", method, connect.CodeOf(err))
		}
		var cerr *connect.Error
		if !errors.As(err, &cerr) || cerr.Meta().Get(RequestIDHeader) == "" {
			t.Errorf("%s: error response has no request id", method)
		}
	}

	// The single worker survives and its stack is usable again.
	resp, err := svc.Invoke(bg(), invokeRequest(t, map[string]interface{}{
		"method": "add",
		"args":   []interface{}{1, 2},
	}))
	if err != nil || resp.Msg.GetNumberValue() != 3 {
		t.Errorf("add after internal errors = %v, %v", resp, err)
	}
}

// ---------------------------------------------------------------------------
// ListMethods
// ---------------------------------------------------------------------------

func TestListMethods(t *testing.T) {
	svc := newTestService(t, 1)

	resp, err := svc.ListMethods(bg(), connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		t.Fatalf("ListMethods returned error: %v", err)
	}
	values := resp.Msg.GetValues()
	if len(values) != svc.vm.Methods.Len() {
		t.Fatalf("listed %d methods, want %d", len(values), svc.vm.Methods.Len())
	}
	first := values[0].GetStructValue().GetFields()
	if first["name"].GetStringValue() != "add" || first["signature"].GetStringValue() != "(II)I" {
		t.Errorf("first method = %v", first)
	}
	last := values[len(values)-1].GetStructValue().GetFields()
	if !last["native"].GetBoolValue() || last["state"].GetStringValue() != "Compiled" {
		t.Errorf("native method = %v", last)
	}
}
