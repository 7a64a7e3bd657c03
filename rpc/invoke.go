package rpc

import (
	"context"
	"fmt"

	"github.com/CloudNetService/CloudNet-sub027/codec"
)

// The helpers below adapt typed methods to Invokers. Targets and arguments
// are type asserted; a mismatch fails the call, which the caller sees as an
// empty result.

func target[T any](x any) (T, error) {
	t, ok := x.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: got %T, want %T", ErrTargetType, x, zero)
	}
	return t, nil
}

func arg[A any](args []any, i int) (A, error) {
	if x, ok := args[i].(A); ok {
		return x, nil
	}
	var zero A
	if args[i] == nil {
		// absent optional arguments arrive as nil
		return zero, nil
	}
	return zero, fmt.Errorf("%w: argument %d is %T, want %T", codec.ErrTypeMismatch, i, args[i], zero)
}

func arity(args []any, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: got %d, want %d", ErrArgumentCount, len(args), n)
	}
	return nil
}

func Invoke0[T, R any](fn func(ctx context.Context, t T) (R, error)) Invoker {
	return func(ctx context.Context, x any, args []any) (any, error) {
		if err := arity(args, 0); err != nil {
			return nil, err
		}
		t, err := target[T](x)
		if err != nil {
			return nil, err
		}
		return fn(ctx, t)
	}
}

func Invoke1[T, A, R any](fn func(ctx context.Context, t T, a A) (R, error)) Invoker {
	return func(ctx context.Context, x any, args []any) (any, error) {
		if err := arity(args, 1); err != nil {
			return nil, err
		}
		t, err := target[T](x)
		if err != nil {
			return nil, err
		}
		a, err := arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, t, a)
	}
}

func Invoke2[T, A, B, R any](fn func(ctx context.Context, t T, a A, b B) (R, error)) Invoker {
	return func(ctx context.Context, x any, args []any) (any, error) {
		if err := arity(args, 2); err != nil {
			return nil, err
		}
		t, err := target[T](x)
		if err != nil {
			return nil, err
		}
		a, err := arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, t, a, b)
	}
}
