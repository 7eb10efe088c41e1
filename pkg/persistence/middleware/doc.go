// Package middleware decorates continuation stores. NewEncryptionMiddleware
// seals the serialized inputs and prompt of each continuation with AES-GCM,
// supporting key rotation through fallback keys.
package middleware
