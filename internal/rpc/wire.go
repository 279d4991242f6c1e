package rpc

import "encoding/json"

// Command names understood by the authentication service.
const (
	CmdTest        = "test"
	CmdRegister    = "register"
	CmdSignIn      = "sign-in"
	CmdGetAllUsers = "get_all_users"
)

// request is one frame on the command channel. Frames are newline-delimited
// JSON over a single long-lived TCP connection; the id correlates a response
// back to its caller, so responses may arrive in any order.
type request struct {
	ID      string          `json:"id"`
	Cmd     string          `json:"cmd"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// response is the envelope for one request. Success carries data; failure
// carries the transport error pair {status, message}.
type response struct {
	ID      string          `json:"id"`
	Error   bool            `json:"error"`
	Data    json.RawMessage `json:"data,omitempty"`
	Status  int             `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
}
