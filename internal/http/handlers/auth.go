package handlers

import (
	"context"
	"net/http"

	"github.com/geocoder89/authhub/internal/domain/user"
	"github.com/geocoder89/authhub/internal/rpc"
	"github.com/gin-gonic/gin"
)

// Caller is the gateway's view of the command channel.
type Caller interface {
	Call(ctx context.Context, cmd string, payload any, out any) error
}

// AuthHandler forwards each HTTP call 1:1 as a command and unwraps the
// result. It holds no state beyond the channel client.
type AuthHandler struct {
	rpc Caller
}

func NewAuthHandler(caller Caller) *AuthHandler {
	return &AuthHandler{rpc: caller}
}

type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

type SignInRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

func (h *AuthHandler) Register(ctx *gin.Context) {
	var req RegisterRequest

	if !BindJSON(ctx, &req) {
		return
	}

	var u user.Public

	err := h.rpc.Call(ctx.Request.Context(), rpc.CmdRegister, req, &u)

	if err != nil {
		h.respondRPCError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, u)
}

func (h *AuthHandler) SignIn(ctx *gin.Context) {
	var req SignInRequest

	if !BindJSON(ctx, &req) {
		return
	}

	var u user.Public

	err := h.rpc.Call(ctx.Request.Context(), rpc.CmdSignIn, req, &u)

	if err != nil {
		h.respondRPCError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, u)
}

func (h *AuthHandler) GetAllUsers(ctx *gin.Context) {
	var users []user.Public

	err := h.rpc.Call(ctx.Request.Context(), rpc.CmdGetAllUsers, nil, &users)

	if err != nil {
		h.respondRPCError(ctx, err)
		return
	}

	if users == nil {
		users = []user.Public{}
	}

	ctx.JSON(http.StatusOK, users)
}

// Test forwards the liveness probe and echoes the raw envelope back, the
// one place the envelope itself is the response body.
func (h *AuthHandler) Test(ctx *gin.Context) {
	var data string

	err := h.rpc.Call(ctx.Request.Context(), rpc.CmdTest, nil, &data)

	if err != nil {
		h.respondRPCError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"error": false, "data": data})
}

// respondRPCError is the consumer side of the error translation: a transport
// error keeps its status and message, anything else is flattened to a
// generic 500.
func (h *AuthHandler) respondRPCError(ctx *gin.Context, err error) {
	status, message := rpc.ConsumerStatus(err)
	RespondError(ctx, status, codeForStatus(status), message, nil)
}
