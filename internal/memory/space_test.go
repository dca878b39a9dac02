package memory

import (
	"errors"
	"testing"

	"threadwait/internal/result"
)

func TestMapRejectsOverlap(t *testing.T) {
	s := NewSpace()
	if _, err := s.Map(0x1000, 4, Writable); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		base uint64
		n    int
		want error
	}{
		{"overlaps start", 0x0ff8, 2, result.Busy},
		{"overlaps end", 0x1018, 1, result.Busy},
		{"unaligned", 0x2004, 1, result.InvalidOption},
		{"empty", 0x3000, 0, result.InvalidOption},
		{"adjacent", 0x1020, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Map(tt.base, tt.n, Writable)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
	if s.Regions() != 2 {
		t.Errorf("Expected 2 regions, got %d", s.Regions())
	}
}

func TestWordValidation(t *testing.T) {
	s := NewSpace()
	if _, err := s.Map(0x1000, 2, Writable); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Map(0x2000, 2, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Map(0x3000, 2, Writable|Shared); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		addr uint64
		want error
	}{
		{"private writable", 0x1008, nil},
		{"unaligned", 0x1004, result.InvalidMemory},
		{"unmapped", 0x1010, result.InvalidMemory},
		{"read only", 0x2000, result.InvalidMemory},
		{"shared", 0x3000, result.InvalidMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.WaitWord(tt.addr)
			if result.Of(err) != result.Of(tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := s.Load(0x2008); err != nil {
		t.Errorf("Expected read-only word to be loadable, got %v", err)
	}
	if err := s.Store(0x2008, 1); !errors.Is(err, result.InvalidMemory) {
		t.Errorf("Expected INVALID_MEMORY storing to read-only word, got %v", err)
	}
	if err := s.Store(0x3008, 1); err != nil {
		t.Errorf("Expected shared word to be writable, got %v", err)
	}
}

func TestAtomicOps(t *testing.T) {
	s := NewSpace()
	if _, err := s.Map(0x8000, 1, Writable); err != nil {
		t.Fatal(err)
	}
	if err := s.Store(0x8000, 5); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.CompareAndSwap(0x8000, 4, 9); ok {
		t.Error("Expected CAS with stale old value to fail")
	}
	if ok, _ := s.CompareAndSwap(0x8000, 5, 9); !ok {
		t.Error("Expected CAS to succeed")
	}
	if v, _ := s.Add(0x8000, 1); v != 10 {
		t.Errorf("Expected 10, got %d", v)
	}
	if v, _ := s.Load(0x8000); v != 10 {
		t.Errorf("Expected 10, got %d", v)
	}
}

func TestUnmap(t *testing.T) {
	s := NewSpace()
	if _, err := s.Map(0x1000, 1, Writable); err != nil {
		t.Fatal(err)
	}
	if err := s.Unmap(0x1000); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(0x1000); !errors.Is(err, result.InvalidMemory) {
		t.Errorf("Expected INVALID_MEMORY after unmap, got %v", err)
	}
	if err := s.Unmap(0x1000); !errors.Is(err, result.InvalidMemory) {
		t.Errorf("Expected INVALID_MEMORY for double unmap, got %v", err)
	}
}
