// Package redis provides Redis-backed continuation and run stores and a
// distributed locker, built on go-redis.
package redis
