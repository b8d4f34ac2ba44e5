package raft

import (
	"context"
	"fmt"
)

// ctxKey is a context key typed by the value it stores.
// https://adithayyil.tech/posts/go-type-safe-contexts/
type ctxKey[T any] struct {
	name string
}

func (k ctxKey[T]) String() string {
	return fmt.Sprintf("Key[%T](%s)", *new(T), k.name)
}

func (k ctxKey[T]) with(ctx context.Context, value T) context.Context {
	return context.WithValue(ctx, k, value)
}

func (k ctxKey[T]) from(ctx context.Context) (T, bool) {
	value, ok := ctx.Value(k).(T)
	return value, ok
}

// Outgoing RPCs carry the identity and term of the sending server in their context, so that transports can tag
// what they log without parsing the request.
var (
	senderIDKey   = ctxKey[ServerID]{name: "senderID"}
	senderTermKey = ctxKey[uint64]{name: "senderTerm"}
)

// RPCContext tags ctx with the sender of an outgoing RPC
func RPCContext(ctx context.Context, id ServerID, term uint64) context.Context {
	return senderTermKey.with(senderIDKey.with(ctx, id), term)
}

// SenderID returns the server that sends the RPC ctx belongs to
func SenderID(ctx context.Context) (ServerID, bool) {
	return senderIDKey.from(ctx)
}

// SenderTerm returns the term the sender was in when it sent the RPC
func SenderTerm(ctx context.Context) (uint64, bool) {
	return senderTermKey.from(ctx)
}
