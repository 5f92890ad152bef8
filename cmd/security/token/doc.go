// Package token verifies the externally issued access tokens that easel
// accepts on the realtime gateway.
//
// Issuance is out of scope: an identity service signs HS256 JWTs with a
// shared secret and easel only verifies them to attach a stable userID to a
// connection.
//
// Environment:
// - EASEL_JWT_SECRET: the shared HMAC secret (>= MinSecretBytes bytes).
package token
