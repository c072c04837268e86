// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cls

import (
	"encoding/binary"
	"errors"
)

// ErrMalformed is returned when a class method input or output cannot be
// decoded.
var ErrMalformed = errors.New("malformed class method payload")

// Encoder appends little endian integers and length prefixed strings to a
// buffer. Class method inputs, outputs and omap values use this format.
type Encoder struct {
	buf []byte
}

func (e *Encoder) U8(v uint8) *Encoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *Encoder) U32(v uint32) *Encoder {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
	return e
}

func (e *Encoder) U64(v uint64) *Encoder {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
	return e
}

func (e *Encoder) I64(v int64) *Encoder {
	return e.U64(uint64(v))
}

func (e *Encoder) Str(s string) *Encoder {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder is the inverse of Encoder. The first failure is sticky, all
// following reads return zero values and Err() reports ErrMalformed.
type Decoder struct {
	buf []byte
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}

	if n < 0 || len(d.buf) < n {
		d.err = ErrMalformed
		return nil
	}

	b := d.buf[:n]
	d.buf = d.buf[n:]

	return b
}

func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}

	return b[0]
}

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) I64() int64 {
	return int64(d.U64())
}

func (d *Decoder) Str() string {
	n := d.U32()
	b := d.take(int(n))
	if b == nil {
		return ""
	}

	return string(b)
}

func (d *Decoder) Err() error {
	return d.err
}
