package gpadmin

import (
	"bytes"
	"errors"
	"io"
)

func errorsAs(err error, target any) bool {
	return errors.As(err, target)
}

func newByteReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
