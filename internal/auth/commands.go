package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/geocoder89/authhub/internal/domain/user"
	"github.com/geocoder89/authhub/internal/rpc"
)

type registerPayload struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type signInPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterCommands binds the service's operations to their command names.
// Field-level validation happens at the gateway edge; here we only translate
// domain failures into transport errors.
func RegisterCommands(srv *rpc.Server, svc *Service) {
	srv.Handle(rpc.CmdTest, func(_ context.Context, _ json.RawMessage) (any, error) {
		// liveness probe; must not touch storage
		return "hello world", nil
	})

	srv.Handle(rpc.CmdRegister, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p registerPayload

		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, rpc.NewError(http.StatusBadRequest, "malformed register payload")
		}

		u, err := svc.Register(ctx, p.Email, p.Name, p.Password)

		if err != nil {
			return nil, translate(err)
		}

		return u, nil
	})

	srv.Handle(rpc.CmdSignIn, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p signInPayload

		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, rpc.NewError(http.StatusBadRequest, "malformed sign-in payload")
		}

		u, err := svc.SignIn(ctx, p.Email, p.Password)

		if err != nil {
			return nil, translate(err)
		}

		return u, nil
	})

	srv.Handle(rpc.CmdGetAllUsers, func(ctx context.Context, _ json.RawMessage) (any, error) {
		users, err := svc.Users(ctx)

		if err != nil {
			return nil, translate(err)
		}

		return users, nil
	})
}

// translate maps domain failures to transport errors. Anything unmapped is
// returned as-is and flattened to a generic 500 by the channel server.
func translate(err error) error {
	switch {
	case errors.Is(err, user.ErrEmailTaken):
		return rpc.NewError(http.StatusConflict, "User with this email already exists")
	case errors.Is(err, ErrInvalidCredentials):
		return rpc.NewError(http.StatusUnauthorized, "Invalid email or password")
	default:
		return err
	}
}
