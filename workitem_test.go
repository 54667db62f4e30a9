// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsloop

import (
	"errors"
	"testing"
)

func TestWorkKind_String(t *testing.T) {
	tests := []struct {
		kind workKind
		want string
	}{
		{kindBlockingAction, "blocking-action"},
		{kindBlockingFunc, "blocking-func"},
		{kindPostedAction, "posted-action"},
		{kindPostedFunc, "posted-func"},
		{kindAsyncAction, "async-action"},
		{kindAsyncFunc, "async-func"},
		{kindYield, "yield"},
		{workKind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("workKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestCapture_Error(t *testing.T) {
	want := errors.New("failed")
	if err := capture(func() error { return want }); err != want {
		t.Errorf("capture = %v, want the exact error", err)
	}
	if err := capture(func() error { return nil }); err != nil {
		t.Errorf("capture = %v, want nil", err)
	}
}

func TestCapture_Panic(t *testing.T) {
	err := capture(func() error { panic("boom") })
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("capture = %v, want *PanicError", err)
	}
	if pe.Value != "boom" {
		t.Errorf("panic value = %v, want boom", pe.Value)
	}
}

func TestCapture_PanicWithError(t *testing.T) {
	want := errors.New("typed")
	err := capture(func() error { panic(want) })
	if !errors.Is(err, want) {
		t.Errorf("capture = %v, want %v", err, want)
	}
}

func TestCaptureValue(t *testing.T) {
	value, err := captureValue(func() (int, error) { return 3, nil })
	if err != nil || value != 3 {
		t.Errorf("captureValue = (%d, %v), want (3, nil)", value, err)
	}

	_, err = captureValue(func() (int, error) { panic("boom") })
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Errorf("captureValue = %v, want *PanicError", err)
	}
}
