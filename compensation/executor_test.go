package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	called := false
	r.Register("test_func", func(ctx context.Context, arg []byte) error {
		called = true
		return nil
	})

	fn, ok := r.Get("test_func")
	if !ok {
		t.Error("expected to find registered function")
	}

	err := fn(context.Background(), nil)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected function to be called")
	}

	_, ok = r.Get("nonexistent")
	if ok {
		t.Error("expected to not find non-existent function")
	}
}

func TestExecuteLIFO(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.Register("undo", func(ctx context.Context, arg []byte) error {
		var step string
		_ = json.Unmarshal(arg, &step)
		order = append(order, step)
		return nil
	})

	var entries []Recorded
	for _, step := range []string{"reserve", "charge", "ship"} {
		e, err := NewRecorded(step, "undo", step)
		if err != nil {
			t.Fatalf("failed to record: %v", err)
		}
		entries = append(entries, e)
	}

	ex := NewExecutor(r)
	if err := ex.Execute(context.Background(), "run-1", entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"ship", "charge", "reserve"}
	if len(order) != len(want) {
		t.Fatalf("expected %d executions, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestExecuteContinuesOnFailure(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	var executed []string
	r.Register("ok", func(ctx context.Context, arg []byte) error {
		executed = append(executed, "ok")
		return nil
	})
	r.Register("fail", func(ctx context.Context, arg []byte) error {
		executed = append(executed, "fail")
		return boom
	})

	entries := []Recorded{
		{StepName: "a", FunctionName: "ok"},
		{StepName: "b", FunctionName: "fail"},
		{StepName: "c", FunctionName: "ok"},
	}

	ex := NewExecutor(r)
	err := ex.Execute(context.Background(), "run-1", entries)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var compErr *CompensationError
	if !errors.As(err, &compErr) || compErr.StepName != "b" {
		t.Fatalf("expected CompensationError for step b, got %v", err)
	}
	// All three ran despite the failure in the middle.
	if len(executed) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(executed))
	}
}

func TestExecuteUnknownFunction(t *testing.T) {
	ex := NewExecutor(NewRegistry())
	err := ex.Execute(context.Background(), "run-1", []Recorded{
		{StepName: "a", FunctionName: "missing"},
	})
	if err == nil {
		t.Fatal("expected error for unknown function")
	}
}

func TestTypedCompensation(t *testing.T) {
	type TestArg struct {
		OrderID string `json:"order_id"`
		Amount  int    `json:"amount"`
	}

	r := NewRegistry()

	var receivedArg TestArg
	tc := NewTypedCompensation("cancel_order", func(ctx context.Context, arg TestArg) error {
		receivedArg = arg
		return nil
	})

	tc.Register(r)

	fn, ok := r.Get("cancel_order")
	if !ok {
		t.Error("expected to find registered function")
	}

	arg := TestArg{OrderID: "ORD-123", Amount: 100}
	argBytes, _ := json.Marshal(arg)

	err := fn(context.Background(), argBytes)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if receivedArg.OrderID != "ORD-123" {
		t.Errorf("expected OrderID=ORD-123, got %s", receivedArg.OrderID)
	}
	if receivedArg.Amount != 100 {
		t.Errorf("expected Amount=100, got %d", receivedArg.Amount)
	}
}

func TestTypedCompensation_InvalidJSON(t *testing.T) {
	type TestArg struct {
		Value int `json:"value"`
	}

	r := NewRegistry()

	tc := NewTypedCompensation("test_func", func(ctx context.Context, arg TestArg) error {
		return nil
	})

	tc.Register(r)

	fn, _ := r.Get("test_func")

	err := fn(context.Background(), []byte("not valid json"))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestTypedCompensation_Error(t *testing.T) {
	type TestArg struct{}

	expectedErr := errors.New("compensation failed")

	tc := NewTypedCompensation("test_func", func(ctx context.Context, arg TestArg) error {
		return expectedErr
	})

	fn := tc.AsFunc()
	err := fn(context.Background(), []byte("{}"))

	if !errors.Is(err, expectedErr) {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}
}

func TestCompensationError(t *testing.T) {
	origErr := errors.New("original error")
	compErr := &CompensationError{
		StepName: "reserve_inventory",
		FuncName: "cancel_reservation",
		Err:      origErr,
	}

	errStr := compErr.Error()
	if errStr != "compensation failed for step reserve_inventory (cancel_reservation): original error" {
		t.Errorf("unexpected error string: %s", errStr)
	}

	if !errors.Is(compErr, origErr) {
		t.Error("expected Unwrap to return original error")
	}
}
