package plaraefs

import "testing"

func TestRegisterAtExitRunsInOrder(t *testing.T) {
	var order []int
	RegisterAtExit(func() error { order = append(order, 1); return nil })
	RegisterAtExit(func() error { order = append(order, 2); return nil })

	if err := RunAtExit(); err != nil {
		t.Fatalf("RunAtExit: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}

	// RunAtExit marks the registry closed; registering afterwards is a
	// programmer error (a cleanup callback trying to schedule more
	// cleanup) and must panic rather than silently no-op.
	defer func() {
		if recover() == nil {
			t.Fatalf("RegisterAtExit after RunAtExit did not panic")
		}
	}()
	RegisterAtExit(func() error { return nil })
}
