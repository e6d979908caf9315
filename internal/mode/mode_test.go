package mode

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestCapabilities(t *testing.T) {
	caps := NewCapabilities("write_file", "read_file")
	if !caps.Allows("read_file") {
		t.Error("Allows(read_file) = false")
	}
	if caps.Allows("exec_cmd") {
		t.Error("Allows(exec_cmd) = true")
	}
	got := caps.List()
	if len(got) != 2 || got[0] != "read_file" || got[1] != "write_file" {
		t.Errorf("List() = %v, want sorted names", got)
	}
}

func TestContext_Switch(t *testing.T) {
	ctx, err := NewContext("w-1", DefaultRegistry(), Default)
	if err != nil {
		t.Fatalf("NewContext() error = %v", err)
	}

	prev, err := ctx.Switch(Plan)
	if err != nil {
		t.Fatalf("Switch(plan) error = %v", err)
	}
	if prev != Default {
		t.Errorf("previous = %q, want %q", prev, Default)
	}
	if ctx.Current() != Plan {
		t.Errorf("Current() = %q, want %q", ctx.Current(), Plan)
	}
	if ctx.Capabilities().Allows("write_file") {
		t.Error("plan mode should not allow write_file")
	}

	if _, err := ctx.Switch("nonsense"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("Switch(unknown) error = %v, want ErrUnknownMode", err)
	}
	if ctx.Current() != Plan {
		t.Error("failed switch must leave the mode unchanged")
	}
}

func TestNewContext_UnknownInitialMode(t *testing.T) {
	if _, err := NewContext("w", NewRegistry(), Default); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("error = %v, want ErrUnknownMode", err)
	}
}

func TestArena_Isolation(t *testing.T) {
	arena := NewArena(nil)
	a, err := arena.Create("A", Default)
	if err != nil {
		t.Fatal(err)
	}
	b, err := arena.Create("B", Default)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := arena.Switch("A", Plan); err != nil {
		t.Fatalf("Switch(A) error = %v", err)
	}

	if a.Current() != Plan {
		t.Errorf("A mode = %q, want plan", a.Current())
	}
	if b.Current() != Default {
		t.Errorf("B mode = %q, want default (switching A must not affect B)", b.Current())
	}
	if m, _ := arena.Current("B"); m != Default {
		t.Errorf("arena.Current(B) = %q", m)
	}
}

func TestArena_Lifecycle(t *testing.T) {
	arena := NewArena(DefaultRegistry())
	if _, err := arena.Create("w", Edit); err != nil {
		t.Fatal(err)
	}
	if _, err := arena.Create("w", Edit); !errors.Is(err, ErrContextExists) {
		t.Errorf("duplicate Create error = %v, want ErrContextExists", err)
	}
	if arena.Len() != 1 {
		t.Errorf("Len() = %d, want 1", arena.Len())
	}

	arena.Remove("w")
	if _, ok := arena.Get("w"); ok {
		t.Error("Get after Remove should fail")
	}
	if _, err := arena.Switch("w", Plan); !errors.Is(err, ErrNoContext) {
		t.Errorf("Switch after Remove error = %v, want ErrNoContext", err)
	}
	if _, err := arena.Current("w"); !errors.Is(err, ErrNoContext) {
		t.Errorf("Current after Remove error = %v, want ErrNoContext", err)
	}
}

func TestArena_ConcurrentSwitches(t *testing.T) {
	arena := NewArena(nil)
	const n = 20
	for i := range n {
		if _, err := arena.Create(fmt.Sprintf("w-%d", i), Default); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			target := Plan
			if i%2 == 0 {
				target = Edit
			}
			if _, err := arena.Switch(fmt.Sprintf("w-%d", i), target); err != nil {
				t.Errorf("Switch: %v", err)
			}
		})
	}
	wg.Wait()

	for i := range n {
		want := Plan
		if i%2 == 0 {
			want = Edit
		}
		if got, _ := arena.Current(fmt.Sprintf("w-%d", i)); got != want {
			t.Errorf("w-%d mode = %q, want %q", i, got, want)
		}
	}
}
