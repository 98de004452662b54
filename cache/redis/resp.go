package redis

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Error is an error reply sent by the server ("-ERR ...", "-WRONGTYPE ...").
// It leaves the connection usable, unlike transport failures.
type Error string

func (e Error) Error() string { return string(e) }

// Prefix returns the error code, e.g. "WRONGTYPE" or "EXECABORT".
func (e Error) Prefix() string {
	msg := string(e)
	if i := strings.IndexByte(msg, ' '); i > 0 {
		return msg[:i]
	}
	return msg
}

var errProtocol = errors.New("redis: protocol error")

func buildCommand(parts ...string) []byte {
	buf := &bytes.Buffer{}
	writeCommand(buf, parts...)
	return buf.Bytes()
}

func writeCommand(buf *bytes.Buffer, parts ...string) {
	fmt.Fprintf(buf, "*%d\r\n", len(parts))
	for _, part := range parts {
		fmt.Fprintf(buf, "$%d\r\n%s\r\n", len(part), part)
	}
}

// decodeRESP reads one reply. Error replies are returned as Error values so
// that errors nested in arrays (EXEC results) do not desync the stream.
func decodeRESP(r *bufio.Reader) (any, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\r\n")
	switch prefix {
	case '+':
		return line, nil
	case '-':
		return Error(line), nil
	case ':':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errProtocol, err)
		}
		return n, nil
	case '$':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errProtocol, err)
		}
		if n == -1 {
			return nil, nil
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		if err := consumeCRLF(r); err != nil {
			return nil, err
		}
		return data, nil
	case '*':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errProtocol, err)
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]any, n)
		for i := 0; i < int(n); i++ {
			val, err := decodeRESP(r)
			if err != nil {
				return nil, err
			}
			arr[i] = val
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("%w: unsupported RESP prefix %q", errProtocol, prefix)
	}
}

func consumeCRLF(r *bufio.Reader) error {
	b1, err := r.ReadByte()
	if err != nil {
		return err
	}
	b2, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return fmt.Errorf("%w: malformed RESP terminator", errProtocol)
	}
	return nil
}

func replyError(resp any) error {
	if e, ok := resp.(Error); ok {
		return e
	}
	return nil
}

func asInt(cmd string, resp any) (int64, error) {
	if err := replyError(resp); err != nil {
		return 0, fmt.Errorf("redis: %s: %w", cmd, err)
	}
	n, ok := resp.(int64)
	if !ok {
		return 0, fmt.Errorf("redis: unexpected %s response %T", cmd, resp)
	}
	return n, nil
}

func asOK(cmd string, resp any) error {
	if err := replyError(resp); err != nil {
		return fmt.Errorf("redis: %s: %w", cmd, err)
	}
	if msg, ok := resp.(string); ok && strings.EqualFold(msg, "OK") {
		return nil
	}
	return fmt.Errorf("redis: %s failed: %v", cmd, resp)
}

func asStrings(cmd string, resp any) ([]string, error) {
	if err := replyError(resp); err != nil {
		return nil, fmt.Errorf("redis: %s: %w", cmd, err)
	}
	if resp == nil {
		return nil, nil
	}
	arr, ok := resp.([]any)
	if !ok {
		return nil, fmt.Errorf("redis: unexpected %s response %T", cmd, resp)
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		b, ok := item.([]byte)
		if !ok {
			return nil, fmt.Errorf("redis: unexpected %s element %T", cmd, item)
		}
		out = append(out, string(b))
	}
	return out, nil
}
