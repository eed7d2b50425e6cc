// Package auth resolves the authenticated user of a request from an HS256
// JWT carried in the Authorization header or the access_token query
// parameter. Tokens are issued by the main application; Issue exists for
// tooling and tests.
package auth
