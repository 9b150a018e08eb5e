package endpoint_test

import (
	"context"
	"testing"

	"github.com/openmesh/kit/endpoint"
)

func TestChainSingle(t *testing.T) {
	var calls int
	var mw endpoint.Middleware[int, int] = func(next endpoint.Endpoint[int, int]) endpoint.Endpoint[int, int] {
		return func(ctx context.Context, n int) (int, error) {
			calls++
			return next(ctx, n+1)
		}
	}
	e := endpoint.Chain(mw)(func(_ context.Context, n int) (int, error) { return n * 2, nil })

	have, err := e(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if want := 4; want != have {
		t.Errorf("want %d, have %d", want, have)
	}
	if want, have := 1, calls; want != have {
		t.Errorf("want %d, have %d", want, have)
	}
}

func TestNop(t *testing.T) {
	if _, err := endpoint.Nop(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
}
