package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/geocoder89/authhub/internal/auth"
	"github.com/geocoder89/authhub/internal/cache"
	"github.com/geocoder89/authhub/internal/domain/user"
	"github.com/geocoder89/authhub/internal/repo/memory"
	"github.com/geocoder89/authhub/internal/rpc"
)

// brokenStore fails every operation, standing in for an unreachable database.
type brokenStore struct{}

func (brokenStore) Create(context.Context, string, string, string) (user.User, error) {
	return user.User{}, errors.New("store down")
}

func (brokenStore) GetByEmail(context.Context, string) (user.User, error) {
	return user.User{}, errors.New("store down")
}

func (brokenStore) List(context.Context) ([]user.User, error) {
	return nil, errors.New("store down")
}

func startAuthChannel(t *testing.T, store auth.Store) *rpc.Client {
	t.Helper()

	svc := auth.NewService(store, cache.NewMemory(time.Minute), nil)

	srv := rpc.NewServer()
	auth.RegisterCommands(srv, svc)

	lis, err := net.Listen("tcp", "127.0.0.1:0")

	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() { _ = srv.Serve(lis) }()

	client, err := rpc.Dial(lis.Addr().String())

	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return client
}

type credentials struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password"`
}

func TestCommandsEndToEnd(t *testing.T) {
	client := startAuthChannel(t, memory.NewUsersRepo())
	ctx := context.Background()

	// register
	var registered user.Public

	err := client.Call(ctx, rpc.CmdRegister, credentials{Email: "a@b.com", Name: "A", Password: "Password123!"}, &registered)

	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if registered.ID == "" || registered.Email != "a@b.com" {
		t.Fatalf("unexpected register response: %+v", registered)
	}

	// duplicate register conflicts with the exact transport pair
	err = client.Call(ctx, rpc.CmdRegister, credentials{Email: "a@b.com", Name: "B", Password: "Password456!"}, nil)

	var rpcErr *rpc.Error

	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *rpc.Error, got %v", err)
	}

	if rpcErr.Status != http.StatusConflict || rpcErr.Message != "User with this email already exists" {
		t.Fatalf("got %+v", rpcErr)
	}

	// sign-in succeeds and returns the same id
	var signedIn user.Public

	err = client.Call(ctx, rpc.CmdSignIn, credentials{Email: "a@b.com", Password: "Password123!"}, &signedIn)

	if err != nil {
		t.Fatalf("sign-in: %v", err)
	}

	if signedIn.ID != registered.ID {
		t.Fatalf("sign-in id %s != registered id %s", signedIn.ID, registered.ID)
	}

	// wrong password: 401 with the fixed message
	err = client.Call(ctx, rpc.CmdSignIn, credentials{Email: "a@b.com", Password: "wrong-password"}, nil)

	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *rpc.Error, got %v", err)
	}

	if rpcErr.Status != http.StatusUnauthorized || rpcErr.Message != "Invalid email or password" {
		t.Fatalf("got %+v", rpcErr)
	}

	// unknown email: identical status and message
	err = client.Call(ctx, rpc.CmdSignIn, credentials{Email: "nobody@b.com", Password: "Password123!"}, nil)

	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *rpc.Error, got %v", err)
	}

	if rpcErr.Status != http.StatusUnauthorized || rpcErr.Message != "Invalid email or password" {
		t.Fatalf("got %+v", rpcErr)
	}

	// listing returns every account, sanitized
	var users []user.Public

	if err := client.Call(ctx, rpc.CmdGetAllUsers, nil, &users); err != nil {
		t.Fatalf("get_all_users: %v", err)
	}

	if len(users) != 1 {
		t.Fatalf("got %d users, want 1", len(users))
	}

	raw, _ := json.Marshal(users)

	if string(raw) == "" || containsPasswordField(raw) {
		t.Fatalf("password material in listing: %s", raw)
	}
}

func TestTestCommandNeedsNoStorage(t *testing.T) {
	client := startAuthChannel(t, brokenStore{})

	var data string

	err := client.Call(context.Background(), rpc.CmdTest, nil, &data)

	if err != nil {
		t.Fatalf("test command failed: %v", err)
	}

	if data != "hello world" {
		t.Fatalf("got %q, want %q", data, "hello world")
	}
}

func TestStoreFailureIsFlattened(t *testing.T) {
	client := startAuthChannel(t, brokenStore{})

	err := client.Call(context.Background(), rpc.CmdGetAllUsers, nil, nil)

	var rpcErr *rpc.Error

	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *rpc.Error, got %v", err)
	}

	if rpcErr.Status != http.StatusInternalServerError || rpcErr.Message != rpc.GenericMessage {
		t.Fatalf("store detail leaked: %+v", rpcErr)
	}
}

func containsPasswordField(raw []byte) bool {
	var decoded []map[string]any

	if err := json.Unmarshal(raw, &decoded); err != nil {
		return true
	}

	for _, entry := range decoded {
		for key := range entry {
			if key == "password" || key == "passwordHash" || key == "password_hash" {
				return true
			}
		}
	}

	return false
}
