package resp

import (
	"bufio"
	"io"
	"strconv"
)

// Encoder writes RESP2 frames to a buffered writer. The client never needs
// to produce SimpleString/Error/Integer frames on the wire (those are only
// ever received); the client therefore writes requests only through
// EncodeCommand, which writes a command as an Array of Bulk Strings, the
// only shape Redis accepts as a request. EncodeValue covers every kind for
// code standing in for a server.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder wraps w in an Encoder. If w is not already a *bufio.Writer it
// is wrapped in one.
func NewEncoder(w io.Writer) *Encoder {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	return &Encoder{w: bw}
}

// EncodeCommand writes `[name, args...]` as a RESP Array of Bulk Strings.
// It does not flush; call Flush (or rely on the caller's auto-flush policy)
// to push the bytes to the transport.
func (e *Encoder) EncodeCommand(name string, args ...[]byte) error {
	if err := e.writeArrayHeader(1 + len(args)); err != nil {
		return err
	}
	if err := e.writeBulkString([]byte(name)); err != nil {
		return err
	}
	for _, a := range args {
		if err := e.writeBulkString(a); err != nil {
			return err
		}
	}
	return nil
}

// EncodeValue writes an arbitrary Value in its wire representation. The
// client itself never needs this (see EncodeCommand); it exists for test
// doubles and other code standing in for a server.
func (e *Encoder) EncodeValue(v Value) error {
	switch v.Kind {
	case KindSimpleString:
		return e.writeLine('+', v.Str)
	case KindError:
		return e.writeLine('-', v.Err)
	case KindInteger:
		return e.writeLine(':', []byte(strconv.FormatInt(v.Int, 10)))
	case KindBulkString:
		if v.IsNull {
			_, err := e.w.WriteString("$-1\r\n")
			return err
		}
		return e.writeBulkString(v.Bulk)
	case KindArray:
		if v.IsNull {
			_, err := e.w.WriteString("*-1\r\n")
			return err
		}
		if err := e.writeArrayHeader(len(v.Elems)); err != nil {
			return err
		}
		for _, elem := range v.Elems {
			if err := e.EncodeValue(elem); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func (e *Encoder) writeLine(tag byte, payload []byte) error {
	if err := e.w.WriteByte(tag); err != nil {
		return err
	}
	if _, err := e.w.Write(payload); err != nil {
		return err
	}
	_, err := e.w.WriteString("\r\n")
	return err
}

// Flush pushes any buffered bytes to the underlying writer.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

func (e *Encoder) writeArrayHeader(n int) error {
	_, err := e.w.WriteString("*" + strconv.Itoa(n) + "\r\n")
	return err
}

func (e *Encoder) writeBulkString(b []byte) error {
	if _, err := e.w.WriteString("$" + strconv.Itoa(len(b)) + "\r\n"); err != nil {
		return err
	}
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	_, err := e.w.WriteString("\r\n")
	return err
}
