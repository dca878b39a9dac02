package result

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeValues(t *testing.T) {
	tests := []struct {
		code Code
		raw  int64
		name string
	}{
		{Permission, -1, "PERMISSION"},
		{InvalidHandle, -2, "INVALID_HANDLE"},
		{InvalidMemory, -3, "INVALID_MEMORY"},
		{ResourceLimitExhausted, -8, "RESOURCE_LIMIT_EXHAUSTED"},
		{InvalidState, -9, "INVALID_STATE"},
		{Timeout, -0x100, "TIMEOUT"},
		{Interrupted, -0x101, "INTERRUPTED"},
		{Killed, -0x102, "KILLED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if int64(tt.code) != tt.raw {
				t.Errorf("Expected raw value %d, got %d", tt.raw, int64(tt.code))
			}
			if tt.code.Error() != tt.name {
				t.Errorf("Expected name %s, got %s", tt.name, tt.code.Error())
			}
			if tt.code.OK() {
				t.Errorf("Expected %s to be an error", tt.name)
			}
		})
	}
}

func TestOfUnwraps(t *testing.T) {
	wrapped := fmt.Errorf("await address: %w", Timeout)
	if got := Of(wrapped); got != Timeout {
		t.Errorf("Expected TIMEOUT, got %v", got)
	}
	if !errors.Is(wrapped, Timeout) {
		t.Error("Expected errors.Is to match TIMEOUT")
	}
	if got := Of(nil); got != 0 {
		t.Errorf("Expected 0 for nil, got %v", got)
	}
	if got := Of(errors.New("boom")); got != InvalidOperation {
		t.Errorf("Expected INVALID_OPERATION for foreign error, got %v", got)
	}
	if got := Raw(3, nil); got != 3 {
		t.Errorf("Expected 3, got %d", got)
	}
	if got := Raw(3, Killed); got != int64(Killed) {
		t.Errorf("Expected %d, got %d", int64(Killed), got)
	}
}

func TestFirstOrdersArgumentErrorsBeforeStateErrors(t *testing.T) {
	tests := []struct {
		name string
		errs []error
		want error
	}{
		{"none", []error{nil, nil}, nil},
		{"argument beats state", []error{InvalidState, InvalidHandle}, InvalidHandle},
		{"memory beats limit", []error{ResourceLimitExhausted, InvalidMemory}, InvalidMemory},
		{"state beats outcome", []error{Interrupted, Permission}, Permission},
		{"first of a group wins", []error{InvalidMemory, InvalidHandle}, InvalidMemory},
		{"success is skipped", []error{Code(0), Timeout}, Timeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := First(tt.errs...); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
