package capture

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCorrelator_ResolveSuccess(t *testing.T) {
	c := newCorrelator()
	done, err := c.register("a", CommandGetChannels)
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}

	if !c.resolve(Response{CommandID: "a", Status: "success", Result: json.RawMessage(`{"x":1}`)}) {
		t.Fatal("resolve() = false, want true")
	}
	r := <-done
	if r.err != nil {
		t.Fatalf("reply err = %v", r.err)
	}
	if string(r.value) != `{"x":1}` {
		t.Errorf("value = %s", r.value)
	}
	if c.len() != 0 {
		t.Errorf("len() = %d, want 0", c.len())
	}
}

func TestCorrelator_ResolveFailure(t *testing.T) {
	c := newCorrelator()
	done, _ := c.register("a", CommandStartRecording)
	c.resolve(Response{CommandID: "a", Status: "error", Result: json.RawMessage(`{"message":"no permission"}`)})

	r := <-done
	var cmdErr *CommandError
	if !errors.As(r.err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandError", r.err)
	}
	if cmdErr.Command != CommandStartRecording || cmdErr.Message != "no permission" {
		t.Errorf("CommandError = %+v", cmdErr)
	}
}

func TestCorrelator_UnknownID(t *testing.T) {
	c := newCorrelator()
	if c.resolve(Response{CommandID: "nope", Status: "success"}) {
		t.Error("resolve() = true for unknown id, want false")
	}
}

func TestCorrelator_DuplicateID(t *testing.T) {
	c := newCorrelator()
	if _, err := c.register("a", "x"); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if _, err := c.register("a", "x"); err == nil {
		t.Error("second register() error = nil, want error")
	}
}

func TestCorrelator_FailAll(t *testing.T) {
	c := newCorrelator()
	first, _ := c.register("a", CommandGetChannels)
	second, _ := c.register("b", CommandStopRecording)

	if n := c.failAll(ErrProcessExited); n != 2 {
		t.Errorf("failAll() = %d, want 2", n)
	}
	for _, done := range []<-chan reply{first, second} {
		if r := <-done; !errors.Is(r.err, ErrProcessExited) {
			t.Errorf("reply err = %v, want ErrProcessExited", r.err)
		}
	}
	if c.len() != 0 {
		t.Errorf("len() = %d, want 0", c.len())
	}

	if _, err := c.register("c", "x"); !errors.Is(err, ErrProcessExited) {
		t.Errorf("register() after failAll error = %v, want ErrProcessExited", err)
	}
}

func TestCorrelator_RemoveAfterResolve(t *testing.T) {
	c := newCorrelator()
	c.register("a", "x")
	c.remove("a")
	c.remove("a")
	if c.resolve(Response{CommandID: "a", Status: "success"}) {
		t.Error("resolve() after remove = true, want false")
	}
}
