package bufpool

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

func TestPool_GetPut(t *testing.T) {
	p := New(64)
	buf := p.Get()
	if len(buf) != 64 {
		t.Fatalf("expected 64-byte buffer, got %d", len(buf))
	}
	p.Put(buf[:10])

	again := p.Get()
	if len(again) != 64 {
		t.Errorf("expected reused buffer to be resliced to 64, got %d", len(again))
	}

	p.Put(make([]byte, 8)) // undersized buffers are dropped
	if got := len(p.Get()); got != 64 {
		t.Errorf("expected 64-byte buffer after dropping undersized put, got %d", got)
	}
}

func TestNew_PanicsOnZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero buffer size")
		}
	}()
	New(0)
}

func TestChunks(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 100) // 800 bytes
	p := New(256)

	var out []byte
	chunks := 0
	for chunk, err := range p.Chunks(bytes.NewReader(data)) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(chunk) > 256 {
			t.Fatalf("chunk larger than buffer: %d", len(chunk))
		}
		out = append(out, chunk...)
		chunks++
	}

	if !bytes.Equal(out, data) {
		t.Error("expected chunks to reassemble the input")
	}
	if chunks != 4 {
		t.Errorf("expected 4 chunks for 800 bytes in 256-byte buffers, got %d", chunks)
	}
}

func TestChunks_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(bytes.NewReader([]byte("hello")), iotest.ErrReader(boom))

	var gotErr error
	total := 0
	for chunk, err := range New(16).Chunks(r) {
		if err != nil {
			gotErr = err
			continue
		}
		total += len(chunk)
	}
	if !errors.Is(gotErr, boom) {
		t.Errorf("expected boom, got %v", gotErr)
	}
	if total != 5 {
		t.Errorf("expected 5 bytes before the error, got %d", total)
	}
}

func TestChunks_EarlyBreak(t *testing.T) {
	p := New(4)
	seen := 0
	for range p.Chunks(bytes.NewReader(make([]byte, 100))) {
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Errorf("expected iteration to stop after 2 chunks, got %d", seen)
	}
}
