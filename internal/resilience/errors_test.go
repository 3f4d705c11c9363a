package resilience

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want Class
	}{
		{nil, ClassUnknown},
		{errors.New("plain"), ClassUnknown},
		{Transient(errors.New("rate limited")), ClassTransient},
		{Permanent(errors.New("bad schema")), ClassPermanent},
		{Fatal(errors.New("store down")), ClassFatal},
		{&CircuitOpenError{Op: "x"}, ClassResourceExhausted},
		{&BulkheadFullError{Resource: "db"}, ClassResourceExhausted},
		{&TimeoutError{Op: "x", After: time.Second}, ClassTransient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v): got %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestClassify_throughWrapping(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("enqueue: %w", Permanent(errors.New("payload too large")))
	if got := Classify(err); got != ClassPermanent {
		t.Fatalf("Classify through wrap: got %s, want permanent", got)
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("unknown"), true},
		{Transient(errors.New("503")), true},
		{Permanent(errors.New("401")), false},
		{Fatal(errors.New("disk gone")), false},
		{&TimeoutError{Op: "x", After: time.Second}, false},
		{&CircuitOpenError{Op: "x"}, true},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("Retryable(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestMark_nil(t *testing.T) {
	t.Parallel()
	if Mark(ClassTransient, nil) != nil {
		t.Fatal("Mark(nil) should be nil")
	}
}

func TestExhaustedError_unwrap(t *testing.T) {
	t.Parallel()
	cause := &TimeoutError{Op: "x", After: time.Second}
	err := &ExhaustedError{Op: "x", Attempts: 1, Elapsed: time.Second, Last: cause}
	if !IsTimeout(err) {
		t.Fatal("IsTimeout should see through ExhaustedError")
	}
}
