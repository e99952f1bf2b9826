package treelock

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("saving: %w", NewError(LockUnavailable, "/p", "node %s is locked", "/p"))
	if !errors.Is(err, ErrLockUnavailable) {
		t.Errorf("errors.Is failed through wrapping")
	}
	if errors.Is(err, ErrLockExpired) {
		t.Errorf("errors.Is matched a different code")
	}
	if CodeOf(err) != LockUnavailable {
		t.Errorf("CodeOf = %v", CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != Unknown || CodeOf(nil) != Unknown {
		t.Errorf("CodeOf of foreign errors must be Unknown")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewError(CorruptedResource, "/parent", "residue on %s", "/parent")
	want := "CorruptedResource: residue on /parent, user data: /parent"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if got := (Error{Code: ItemExists, Err: errors.New("dup")}).Error(); got != "ItemExists: dup" {
		t.Errorf("Error() = %q", got)
	}
	if ErrorCode(99).String() != "ErrorCode(99)" {
		t.Errorf("unknown code string = %q", ErrorCode(99).String())
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{NewError(LockUnavailable, nil, "x"), true},
		{NewError(LockExpired, nil, "x"), true},
		{NewError(TransportFailure, nil, "x"), true},
		{NewError(NonActiveTransaction, nil, "x"), true},
		{NewError(CorruptedResource, nil, "x"), false},
		{NewError(ExhaustedRetries, nil, "x"), false},
		{NewError(ItemExists, nil, "x"), false},
		{errors.New("foreign"), false},
		{context.Canceled, false},
		{errors.Join(context.DeadlineExceeded, NewError(LockUnavailable, nil, "x")), false},
	}
	for i, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("case %d: IsRetryable(%v) = %v, want %v", i, tt.err, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize(nil) != nil {
		t.Fatalf("Normalize(nil) must be nil")
	}
	if err := Normalize(context.Canceled); err != context.Canceled {
		t.Errorf("context errors must pass through, got %v", err)
	}
	known := NewError(ItemExists, nil, "dup")
	if err := Normalize(known); !errors.Is(err, ErrItemExists) {
		t.Errorf("known errors must keep their code, got %v", err)
	}
	foreign := errors.New("disk on fire")
	err := Normalize(foreign)
	if CodeOf(err) != Unknown || !errors.Is(err, foreign) {
		t.Errorf("foreign errors must be wrapped as Unknown, got %v", err)
	}
}
