// Package auth authenticates operators calling the coordinator's admin API.
//
// # JWT Tokens
//
// Operators authenticate with HS256 JWTs signed with auth.jwt_secret. The
// principal is carried in the "sub" claim and tokens must carry "exp".
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate("ops", 24*time.Hour)
//
// muster-coordinator token mints tokens from the configured secret.
//
// # HTTP Middleware
//
//	handler = auth.RequireToken(verifier, logger)(handler)
//
// Handlers read the caller with PrincipalFrom(r.Context()). A nil verifier
// leaves the API open, which is how the coordinator runs when no secret is
// configured.
package auth
