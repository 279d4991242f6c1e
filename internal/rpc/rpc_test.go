package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// starts a server on a loopback port and returns a connected client.
func startChannel(t *testing.T, setup func(*Server), opts ...ClientOption) (*Server, *Client, string) {
	t.Helper()

	srv := NewServer()
	setup(srv)

	lis, err := net.Listen("tcp", "127.0.0.1:0")

	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() { _ = srv.Serve(lis) }()

	addr := lis.Addr().String()

	client, err := Dial(addr, opts...)

	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return srv, client, addr
}

func TestCallRoundTrip(t *testing.T) {
	type echoPayload struct {
		Value string `json:"value"`
	}

	_, client, _ := startChannel(t, func(srv *Server) {
		srv.Handle("echo", func(_ context.Context, payload json.RawMessage) (any, error) {
			var p echoPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, err
			}
			return p, nil
		})
	})

	var out echoPayload

	err := client.Call(context.Background(), "echo", echoPayload{Value: "hello"}, &out)

	if err != nil {
		t.Fatalf("call failed: %v", err)
	}

	if out.Value != "hello" {
		t.Fatalf("got %q, want %q", out.Value, "hello")
	}
}

func TestErrorEnvelopeKeepsStatusAndMessage(t *testing.T) {
	_, client, _ := startChannel(t, func(srv *Server) {
		srv.Handle("conflict", func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, NewError(http.StatusConflict, "User with this email already exists")
		})
	})

	err := client.Call(context.Background(), "conflict", nil, nil)

	var rpcErr *Error

	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *Error, got %v", err)
	}

	if rpcErr.Status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rpcErr.Status)
	}

	if rpcErr.Message != "User with this email already exists" {
		t.Fatalf("message = %q", rpcErr.Message)
	}
}

func TestUnclassifiedErrorIsFlattened(t *testing.T) {
	_, client, _ := startChannel(t, func(srv *Server) {
		srv.Handle("boom", func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, errors.New("pq: connection refused on 10.0.0.5")
		})
	})

	err := client.Call(context.Background(), "boom", nil, nil)

	var rpcErr *Error

	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *Error, got %v", err)
	}

	if rpcErr.Status != http.StatusInternalServerError || rpcErr.Message != GenericMessage {
		t.Fatalf("internal detail leaked: %+v", rpcErr)
	}
}

func TestUnknownCommandIsFlattened(t *testing.T) {
	_, client, _ := startChannel(t, func(_ *Server) {})

	err := client.Call(context.Background(), "no-such-cmd", nil, nil)

	var rpcErr *Error

	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *Error, got %v", err)
	}

	if rpcErr.Status != http.StatusInternalServerError || rpcErr.Message != GenericMessage {
		t.Fatalf("got %+v", rpcErr)
	}
}

// Concurrent calls share one connection; slower responses must not be
// delivered to the wrong caller.
func TestConcurrentCallsCorrelate(t *testing.T) {
	type numPayload struct {
		N int `json:"n"`
	}

	_, client, _ := startChannel(t, func(srv *Server) {
		srv.Handle("slownum", func(_ context.Context, payload json.RawMessage) (any, error) {
			var p numPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, err
			}
			// later requests answer first
			time.Sleep(time.Duration(20-p.N) * time.Millisecond)
			return p, nil
		})
	})

	const calls = 20

	var wg sync.WaitGroup
	errs := make([]error, calls)

	for i := 0; i < calls; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			var out numPayload
			err := client.Call(context.Background(), "slownum", numPayload{N: i}, &out)

			if err != nil {
				errs[i] = err
				return
			}

			if out.N != i {
				errs[i] = fmt.Errorf("call %d got response %d", i, out.N)
			}
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}

func TestCallTimeoutLeavesConnectionUsable(t *testing.T) {
	_, client, _ := startChannel(t, func(srv *Server) {
		srv.Handle("slow", func(_ context.Context, _ json.RawMessage) (any, error) {
			time.Sleep(500 * time.Millisecond)
			return "late", nil
		})
		srv.Handle("fast", func(_ context.Context, _ json.RawMessage) (any, error) {
			return "quick", nil
		})
	}, WithTimeout(50*time.Millisecond))

	err := client.Call(context.Background(), "slow", nil, nil)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// the same connection must still serve the next call
	var out string

	if err := client.Call(context.Background(), "fast", nil, &out); err != nil {
		t.Fatalf("call after timeout failed: %v", err)
	}

	if out != "quick" {
		t.Fatalf("got %q", out)
	}
}

func TestCallsFailFastWhileDisconnected(t *testing.T) {
	srv, client, _ := startChannel(t, func(srv *Server) {
		srv.Handle("noop", func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, nil
		})
	}, WithTimeout(200*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// give the client's read loop a moment to notice the closed peer
	deadline := time.Now().Add(2 * time.Second)

	for {
		err := client.Call(context.Background(), "noop", nil, nil)

		if errors.Is(err, ErrUnavailable) {
			return
		}

		if time.Now().After(deadline) {
			t.Fatalf("expected ErrUnavailable, last error: %v", err)
		}

		time.Sleep(20 * time.Millisecond)
	}
}

func TestClientReconnects(t *testing.T) {
	srv, client, addr := startChannel(t, func(srv *Server) {
		srv.Handle("noop", func(_ context.Context, _ json.RawMessage) (any, error) {
			return "ok", nil
		})
	}, WithTimeout(500*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// bring a fresh server up on the same address; the port was just freed
	srv2 := NewServer()
	srv2.Handle("noop", func(_ context.Context, _ json.RawMessage) (any, error) {
		return "ok", nil
	})

	var lis net.Listener
	var err error

	for i := 0; i < 50; i++ {
		lis, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err != nil {
		t.Fatalf("relisten on %s: %v", addr, err)
	}

	go func() { _ = srv2.Serve(lis) }()

	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = srv2.Shutdown(sctx)
	})

	// the client backs off and redials; poll until a call goes through
	deadline := time.Now().Add(10 * time.Second)

	for {
		var out string
		err := client.Call(context.Background(), "noop", nil, &out)

		if err == nil && out == "ok" {
			return
		}

		if time.Now().After(deadline) {
			t.Fatalf("client never reconnected, last error: %v", err)
		}

		time.Sleep(50 * time.Millisecond)
	}
}
