package rtx

import (
	"encoding/binary"

	"github.com/spaghettifunk/anima-rtx/engine/core"
)

// recordWriter writes the fields of one record inside a table image. Every
// write is checked against the record bounds, so a bad layout cannot spill
// into the next record.
type recordWriter struct {
	image []byte
	base  uint64
	size  uint64
	name  string
}

func newRecordWriter(image []byte, index, stride uint64, name string) recordWriter {
	return recordWriter{image: image, base: index * stride, size: stride, name: name}
}

func (w recordWriter) field(offset, length uint64) ([]byte, error) {
	end := offset + length
	if end < offset || end > w.size {
		err := core.ConfigurationError("record %q: field [%d,%d) does not fit in %d bytes", w.name, offset, end, w.size)
		core.LogError(err.Error())
		return nil, err
	}
	return w.image[w.base+offset : w.base+end], nil
}

func (w recordWriter) PutBytes(offset uint64, data []byte) error {
	dst, err := w.field(offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func (w recordWriter) PutUint32(offset uint64, v uint32) error {
	dst, err := w.field(offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(dst, v)
	return nil
}

func (w recordWriter) PutUint64(offset uint64, v uint64) error {
	dst, err := w.field(offset, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(dst, v)
	return nil
}
