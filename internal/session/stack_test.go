package session

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/crepererum/cloudexec/internal/logging"
)

func TestStackUnwindsInReverseOrder(t *testing.T) {
	stack := NewStack(logging.Discard())
	var order []string
	for _, name := range []string{"lease", "keys", "sshd", "tunnel"} {
		stack.Push(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := stack.Unwind(context.Background()); err != nil {
		t.Fatalf("Unwind() error = %v", err)
	}
	want := []string{"tunnel", "sshd", "keys", "lease"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("release order = %v, want %v", order, want)
	}
	if stack.Len() != 0 {
		t.Fatalf("Len() = %d after unwind", stack.Len())
	}
}

func TestStackFailureDoesNotStopUnwind(t *testing.T) {
	stack := NewStack(logging.Discard())
	errFirst := errors.New("unmount failed")
	errSecond := errors.New("remove failed")
	var released []string
	stack.Push("a", func(context.Context) error { released = append(released, "a"); return nil })
	stack.Push("b", func(context.Context) error { released = append(released, "b"); return errSecond })
	stack.Push("c", func(context.Context) error { released = append(released, "c"); return errFirst })

	err := stack.Unwind(context.Background())
	if !errors.Is(err, errFirst) || !errors.Is(err, errSecond) {
		t.Fatalf("Unwind() error = %v, want both failures joined", err)
	}
	if !reflect.DeepEqual(released, []string{"c", "b", "a"}) {
		t.Fatalf("released = %v", released)
	}

	if err := stack.Unwind(context.Background()); err != nil {
		t.Fatalf("second Unwind() error = %v", err)
	}
	if len(released) != 3 {
		t.Fatalf("second unwind ran releases again: %v", released)
	}
}

func TestStackReleasesSeeDetachedContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stack := NewStack(logging.Discard())
	var sawErr error
	stack.Push("x", func(ctx context.Context) error {
		sawErr = ctx.Err()
		return nil
	})
	if err := stack.Unwind(context.WithoutCancel(ctx)); err != nil {
		t.Fatalf("Unwind() error = %v", err)
	}
	if sawErr != nil {
		t.Fatalf("release saw cancelled context: %v", sawErr)
	}
}
