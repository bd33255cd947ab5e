package core

import "context"

// Authenticator decides whether a bearer token may call the /v1 API.
//
// The gateway is called by the app backend, not by end users, so a token
// identifies a service rather than a user. The user a request acts for is
// taken from the path and validated separately.
type Authenticator interface {
	// Authenticate returns nil for an accepted token. Rejections should be
	// AppErrors with an auth_* code.
	Authenticate(ctx context.Context, token string) error
}
