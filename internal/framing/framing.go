// Package framing serializes an argument list as UTF-8 text: one argument per
// "\n"-terminated line, followed by one empty line that ends the message.
//
// There is no length prefix or version tag; leader and follower are always the
// same build. Arguments must be non-empty and must not contain '\n' or '\r'.
package framing

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineBytes caps a single argument line read by Decode.
const MaxLineBytes = 64 * 1024

// Framing errors
var (
	// ErrInvalidArgument is wrapped by every argument validation failure.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrEmptyArgument reports an empty argument, which would read as the terminator.
	ErrEmptyArgument = fmt.Errorf("%w: empty argument", ErrInvalidArgument)

	// ErrLineDelimiter reports an argument containing a line delimiter.
	ErrLineDelimiter = fmt.Errorf("%w: argument contains a line delimiter", ErrInvalidArgument)

	// ErrArgumentTooLong reports an argument longer than MaxLineBytes, which
	// Decode on the other end would refuse.
	ErrArgumentTooLong = fmt.Errorf("%w: argument too long", ErrInvalidArgument)

	// ErrPartialMessage reports end of stream before the terminating empty line.
	// Decode still returns the complete arguments read before it.
	ErrPartialMessage = errors.New("message ended before terminator")

	// ErrLineTooLong reports a line longer than MaxLineBytes.
	ErrLineTooLong = errors.New("argument line too long")
)

// Validate checks that every argument can be framed.
func Validate(args []string) error {
	for i, arg := range args {
		if arg == "" {
			return fmt.Errorf("argument %d: %w", i, ErrEmptyArgument)
		}
		if strings.ContainsAny(arg, "\r\n") {
			return fmt.Errorf("argument %d: %w", i, ErrLineDelimiter)
		}
		if len(arg) > MaxLineBytes {
			return fmt.Errorf("argument %d: %w", i, ErrArgumentTooLong)
		}
	}
	return nil
}

// Encode writes args followed by the terminator to w.
// Nothing is written when any argument is invalid.
func Encode(w io.Writer, args []string) error {
	if err := Validate(args); err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	for _, arg := range args {
		if _, err := bw.WriteString(arg); err != nil {
			return fmt.Errorf("write argument: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("write argument: %w", err)
		}
	}
	if err := bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush message: %w", err)
	}
	return nil
}

// Decode reads one message from r.
//
// It returns when it reads the empty terminator line (nil error), or at end of
// stream, in which case the complete lines read so far are returned together
// with ErrPartialMessage. An unterminated trailing fragment is dropped. "\r\n"
// line endings are accepted. Other read failures are returned wrapped, again
// with the lines read so far.
func Decode(r io.Reader) ([]string, error) {
	br := bufio.NewReaderSize(r, 4096)
	args := []string{}

	for {
		line, err := readLine(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return args, ErrPartialMessage
			}
			return args, err
		}
		if line == "" {
			return args, nil
		}
		args = append(args, line)
	}
}

// readLine returns one line without its terminator. A line without a
// terminator at end of stream is reported as io.EOF.
func readLine(br *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxLineBytes+2 {
			return "", ErrLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", fmt.Errorf("read argument: %w", err)
	}

	line := buf[:len(buf)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) > MaxLineBytes {
		return "", ErrLineTooLong
	}
	return string(line), nil
}
