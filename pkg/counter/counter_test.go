package counter

import (
	"errors"
	"sync"
	"testing"
)

func TestCounterStartsUnsynced(t *testing.T) {
	c := New()
	if c.InSync() {
		t.Fatal("new counter reports in sync")
	}
	if _, err := c.Use(); !errors.Is(err, ErrNotSynced) {
		t.Errorf("Use() error = %v, want ErrNotSynced", err)
	}
	if _, err := c.Peek(); !errors.Is(err, ErrNotSynced) {
		t.Errorf("Peek() error = %v, want ErrNotSynced", err)
	}
}

func TestCounterUseMonotonic(t *testing.T) {
	c := New()
	if err := c.Set(Value{TC: 0x100, DMC: 3}); err != nil {
		t.Fatal(err)
	}
	prev := c.TC()
	for i := 0; i < 50; i++ {
		peek, err := c.Peek()
		if err != nil {
			t.Fatal(err)
		}
		v, err := c.Use()
		if err != nil {
			t.Fatalf("Use() error: %v", err)
		}
		if v != peek {
			t.Errorf("Use() = %+v, Peek() promised %+v", v, peek)
		}
		if v.TC != prev+1 {
			t.Fatalf("Use() TC = 0x%X, want 0x%X", v.TC, prev+1)
		}
		if v.DMC != 3 {
			t.Errorf("DMC changed to %d", v.DMC)
		}
		prev = v.TC
	}
}

func TestCounterSetValidation(t *testing.T) {
	tests := []struct {
		name    string
		value   Value
		wantErr bool
	}{
		{"minimum TC", Value{TC: TCMin}, false},
		{"below minimum TC", Value{TC: TCMin - 1}, true},
		{"TC at max", Value{TC: TCMax}, true},
		{"TC just below max", Value{TC: TCMax - 1}, false},
		{"DMC at max", Value{TC: 0x20, DMC: DMCMax}, true},
		{"DMC just below max", Value{TC: 0x20, DMC: DMCMax - 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			err := c.Set(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Set(%+v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrOutOfRange) {
					t.Errorf("error %v is not ErrOutOfRange", err)
				}
				if c.InSync() {
					t.Error("counter in sync after invalid Set")
				}
			}
		})
	}
}

func TestCounterExhausted(t *testing.T) {
	c := New()
	if err := c.Set(Value{TC: TCMax - 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Use(); !errors.Is(err, ErrExhausted) {
		t.Errorf("Use() at limit error = %v, want ErrExhausted", err)
	}
	if c.TC() != TCMax-1 {
		t.Error("exhausted Use() modified TC")
	}
}

func TestCounterInvalidate(t *testing.T) {
	c := New()
	c.Set(Value{TC: 0x30})
	c.Invalidate()
	if c.InSync() {
		t.Error("counter in sync after Invalidate")
	}
}

func TestValueEncoding(t *testing.T) {
	v := Value{TC: 0x11223344, DMC: 0x01020304}
	b := v.Bytes()
	got, err := Parse(b[:])
	if err != nil {
		t.Fatal(err)
	}
	if got != v {
		t.Errorf("Parse(Bytes()) = %+v, want %+v", got, v)
	}
	if b[0] != 0x44 || b[4] != 0x04 {
		t.Errorf("encoding is not little-endian: %x", b)
	}
	if _, err := Parse(b[:7]); err == nil {
		t.Error("Parse(short) succeeded")
	}
}

func TestCounterConcurrent(t *testing.T) {
	c := New()
	c.Set(Value{TC: TCMin})
	const workers = 20
	const perWorker = 50

	var wg sync.WaitGroup
	values := make(chan uint32, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				v, _ := c.Use()
				values <- v.TC
			}
		}()
	}
	wg.Wait()
	close(values)

	seen := make(map[uint32]bool)
	for v := range values {
		if seen[v] {
			t.Errorf("duplicate TC value 0x%X", v)
		}
		seen[v] = true
	}
	if c.TC() != TCMin+workers*perWorker {
		t.Errorf("TC = 0x%X, want 0x%X", c.TC(), TCMin+workers*perWorker)
	}
}
