package framing

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestEncodeWireFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, []string{"--open", "file.txt"}); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if got, want := buf.String(), "--open\nfile.txt\n\n"; got != want {
		t.Errorf("Encode() wrote %q, want %q", got, want)
	}
}

func TestEncodeEmptyList(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, nil); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if buf.String() != "\n" {
		t.Errorf("empty list should encode to a lone terminator, got %q", buf.String())
	}
}

func TestRoundTrip(t *testing.T) {
	lists := [][]string{
		{},
		{"--open", "file.txt"},
		{"a"},
		{"with spaces", "ünïcødé", "tab\tinside", "=", "--flag=value"},
		{strings.Repeat("x", 5000), "short", strings.Repeat("y", MaxLineBytes)},
	}

	for _, args := range lists {
		var buf bytes.Buffer
		if err := Encode(&buf, args); err != nil {
			t.Fatalf("Encode(%q) error = %v", args, err)
		}
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if !reflect.DeepEqual(got, args) {
			t.Errorf("round trip mismatch: got %q, want %q", got, args)
		}
	}
}

func TestEncodeRejectsInvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want error
	}{
		{"empty", []string{"ok", ""}, ErrEmptyArgument},
		{"newline", []string{"line\nbreak"}, ErrLineDelimiter},
		{"carriage return", []string{"cr\r"}, ErrLineDelimiter},
		{"one byte over limit", []string{"ok", strings.Repeat("x", MaxLineBytes+1)}, ErrArgumentTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := Encode(&buf, tt.args)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Encode() error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("error should wrap ErrInvalidArgument: %v", err)
			}
			if buf.Len() != 0 {
				t.Errorf("nothing should be written on validation failure, got %q", buf.String())
			}
		})
	}
}

func TestDecodeStopsAtTerminator(t *testing.T) {
	r := strings.NewReader("one\ntwo\n\nthree\n\n")
	got, err := Decode(r)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Errorf("Decode() = %q", got)
	}
}

func TestDecodeCRLF(t *testing.T) {
	got, err := Decode(strings.NewReader("--open\r\nfile.txt\r\n\r\n"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got, []string{"--open", "file.txt"}) {
		t.Errorf("Decode() = %q", got)
	}
}

func TestDecodePartialMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty stream", "", []string{}},
		{"missing terminator", "a\nb\n", []string{"a", "b"}},
		{"truncated fragment dropped", "a\nb\npart", []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(strings.NewReader(tt.input))
			if !errors.Is(err, ErrPartialMessage) {
				t.Fatalf("Decode() error = %v, want ErrPartialMessage", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeLineTooLong(t *testing.T) {
	input := "ok\n" + strings.Repeat("z", MaxLineBytes+10) + "\n\n"
	got, err := Decode(strings.NewReader(input))
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("Decode() error = %v, want ErrLineTooLong", err)
	}
	if !reflect.DeepEqual(got, []string{"ok"}) {
		t.Errorf("Decode() = %q, want lines read before the failure", got)
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestDecodeReadError(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(strings.NewReader("first\n"), failingReader{boom})

	got, err := Decode(r)
	if !errors.Is(err, boom) {
		t.Fatalf("Decode() error = %v, want wrapped boom", err)
	}
	if errors.Is(err, ErrPartialMessage) {
		t.Error("read failures are not partial messages")
	}
	if !reflect.DeepEqual(got, []string{"first"}) {
		t.Errorf("Decode() = %q", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate([]string{"--open", "file.txt"}); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := Validate(nil); err != nil {
		t.Errorf("Validate(nil) error = %v", err)
	}
	if err := Validate([]string{"a", "b\nc"}); !errors.Is(err, ErrLineDelimiter) {
		t.Errorf("Validate() error = %v", err)
	}
}
