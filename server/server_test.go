package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := New(newTestVM(t), 2)
	t.Cleanup(s.Stop)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestConnectClient(t *testing.T) {
	ts := newTestServer(t)
	client := connect.NewClient[structpb.Struct, structpb.Value](http.DefaultClient, ts.URL+InvokeProcedure)

	resp, err := client.CallUnary(bg(), invokeRequest(t, map[string]interface{}{
		"method": "add",
		"args":   []interface{}{20, 22},
	}))
	if err != nil {
		t.Fatalf("CallUnary: %v", err)
	}
	if resp.Msg.GetNumberValue() != 42 {
		t.Errorf("add(20, 22) = %v", resp.Msg)
	}
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Error("response has no request id")
	}

	_, err = client.CallUnary(bg(), invokeRequest(t, map[string]interface{}{"method": "boom"}))
	if connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Errorf("boom: code = %v, want FailedPrecondition", connect.CodeOf(err))
	}
	var cerr *connect.Error
	if !errors.As(err, &cerr) || cerr.Meta().Get(RequestIDHeader) == "" {
		t.Error("error response has no request id")
	}
}

func TestGRPCClientOverH2C(t *testing.T) {
	ts := newTestServer(t)
	conn, err := grpc.NewClient(strings.TrimPrefix(ts.URL, "http://"),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(bg(), 10*time.Second)
	defer cancel()

	req, _ := structpb.NewStruct(map[string]interface{}{"method": "add", "args": []interface{}{1, 2}})
	var reply structpb.Value
	if err := conn.Invoke(ctx, InvokeProcedure, req, &reply); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if reply.GetNumberValue() != 3 {
		t.Errorf("add(1, 2) = %v", &reply)
	}

	req, _ = structpb.NewStruct(map[string]interface{}{"method": "missing"})
	err = conn.Invoke(ctx, InvokeProcedure, req, &reply)
	if status.Code(err) != codes.NotFound {
		t.Errorf("missing: code = %v, want NotFound", status.Code(err))
	}
}

func TestServeAndShutdown(t *testing.T) {
	s := New(newTestVM(t), 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	client := connect.NewClient[structpb.Struct, structpb.Value](http.DefaultClient, "http://"+ln.Addr().String()+InvokeProcedure)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := client.CallUnary(bg(), invokeRequest(t, map[string]interface{}{"method": "nop"}))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(bg(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve returned %v", err)
	}
}
