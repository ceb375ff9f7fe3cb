package cqrpc

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// RpcStatus is the terminal status of a call: a gRPC code plus a
// human-readable detail string.
type RpcStatus struct {
	Detail string
	Code   codes.Code
}

// StatusOK is the successful terminal status.
func StatusOK() RpcStatus { return RpcStatus{Code: codes.OK} }

// NewStatus builds a status from a code and detail string.
func NewStatus(code codes.Code, detail string) RpcStatus {
	return RpcStatus{Code: code, Detail: detail}
}

// OK reports whether the status code is codes.OK.
func (s RpcStatus) OK() bool { return s.Code == codes.OK }

// Err returns nil for an OK status and an *RpcError otherwise.
func (s RpcStatus) Err() error {
	if s.OK() {
		return nil
	}
	return &RpcError{Status: s}
}

func (s RpcStatus) String() string {
	if s.Detail == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Detail)
}
