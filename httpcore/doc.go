// Package httpcore implements the HTTP/1.1 message engine: a streaming
// push-parser, a frame serializer, an explicit per-exchange state
// machine, and the client/server engines (with connection pooling and
// automatic idempotent retries) built on top of package tcp and package
// loop. Every type here is driven exclusively from loop callbacks; none
// of it blocks.
package httpcore
