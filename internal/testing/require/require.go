// Package require provides minimal test assertion helpers so that the
// compiler-internal packages do not need to pull in testify just to fail a
// test with a useful message. Root-level smoke tests import testify's own
// require package instead.
package require

import (
	"fmt"
	"reflect"
)

// TestingT is the subset of *testing.T these helpers need, so fakes can be
// used in the helpers' own tests.
type TestingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
}

// Equal fails the test if want != got, using reflect.DeepEqual.
func Equal(t TestingT, want, got interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if !reflect.DeepEqual(want, got) {
		Fail(t, fmt.Sprintf("expected %#v, but got %#v", want, got), msgAndArgs...)
	}
}

// True fails the test if v is false.
func True(t TestingT, v bool, msgAndArgs ...interface{}) {
	t.Helper()
	if !v {
		Fail(t, "expected true, but was false", msgAndArgs...)
	}
}

// False fails the test if v is true.
func False(t TestingT, v bool, msgAndArgs ...interface{}) {
	t.Helper()
	if v {
		Fail(t, "expected false, but was true", msgAndArgs...)
	}
}

// NoError fails the test if err is non-nil.
func NoError(t TestingT, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err != nil {
		Fail(t, fmt.Sprintf("unexpected error: %v", err), msgAndArgs...)
	}
}

// Error fails the test if err is nil.
func Error(t TestingT, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err == nil {
		Fail(t, "expected an error, but there was none", msgAndArgs...)
	}
}

// Nil fails the test if v is a non-nil value.
func Nil(t TestingT, v interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if v != nil && !reflect.ValueOf(v).IsZero() {
		Fail(t, fmt.Sprintf("expected nil, but got %#v", v), msgAndArgs...)
	}
}

// Fail fails the test with message, optionally formatted with
// formatWithArgs[0] as a fmt string and the rest as arguments, mirroring the
// "failed" / "failed: %s" shapes used throughout this codebase's tests.
func Fail(t TestingT, message string, formatWithArgs ...interface{}) {
	t.Helper()
	if len(formatWithArgs) == 0 {
		t.Fatalf("%s", message)
		return
	}
	format, ok := formatWithArgs[0].(string)
	if !ok || len(formatWithArgs) == 1 {
		t.Fatalf("%s: %v", message, formatWithArgs[0])
		return
	}
	t.Fatalf("%s: %s", message, fmt.Sprintf(format, formatWithArgs[1:]...))
}

// CapturePanic runs fn and returns the recovered panic value as an error, or
// nil if fn did not panic.
func CapturePanic(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", r)
			}
		}
	}()
	fn()
	return nil
}
