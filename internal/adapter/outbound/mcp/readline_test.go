package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestReadLine_Sizes(t *testing.T) {
	t.Parallel()

	sizes := []int{
		0,
		64 * 1024,
		1024 * 1024,
		maxLineSize,
	}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("size_%dKB", size/1024), func(t *testing.T) {
			t.Parallel()

			msg := bytes.Repeat([]byte("x"), size)
			r := bufio.NewReader(bytes.NewReader(append(msg, '\n')))

			got, err := readLine(r)
			if err != nil {
				t.Fatalf("readLine() error = %v", err)
			}
			if len(got) != size {
				t.Errorf("expected %d bytes, got %d", size, len(got))
			}
		})
	}
}

func TestReadLine_TooLongIsSkipped(t *testing.T) {
	t.Parallel()

	var input bytes.Buffer
	input.Write(bytes.Repeat([]byte("x"), maxLineSize+1))
	input.WriteString("\n")
	input.WriteString(`{"jsonrpc":"2.0","method":"next"}` + "\n")
	r := bufio.NewReader(&input)

	if _, err := readLine(r); !errors.Is(err, errLineTooLong) {
		t.Fatalf("expected errLineTooLong, got %v", err)
	}

	// The oversized line is consumed; the reader resumes on the next line.
	got, err := readLine(r)
	if err != nil {
		t.Fatalf("readLine() after oversized line error = %v", err)
	}
	if string(got) != `{"jsonrpc":"2.0","method":"next"}` {
		t.Errorf("got %q", got)
	}
}

func TestReadLine_StripsCRLF(t *testing.T) {
	t.Parallel()

	r := bufio.NewReader(strings.NewReader("{\"id\":1}\r\n"))
	got, err := readLine(r)
	if err != nil {
		t.Fatalf("readLine() error = %v", err)
	}
	if string(got) != `{"id":1}` {
		t.Errorf("got %q, want %q", got, `{"id":1}`)
	}
}

func TestReadLine_EOF(t *testing.T) {
	t.Parallel()

	r := bufio.NewReader(strings.NewReader("tail"))
	got, err := readLine(r)
	if err != nil {
		t.Fatalf("unterminated final line: error = %v", err)
	}
	if string(got) != "tail" {
		t.Errorf("got %q, want tail", got)
	}

	if _, err := readLine(r); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}
