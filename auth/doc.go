// Package auth verifies device credentials and produces immutable
// identities carrying the device's publish and subscribe permissions.
//
// JWTAuthenticator accepts HS256 tokens with exp, iss and aud checks and
// caches verified identities by token hash. StaticAuthenticator serves the
// legacy deviceId/token table. Chain combines both the way the gateway
// needs them. Issuer mints tokens for provisioning tools.
package auth
