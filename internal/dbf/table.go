// Package dbf reads dBase (DBF) tables: dBase III/IV, FoxPro and Visual FoxPro
// variants. Memo files are not read; memo columns decode to nil.
package dbf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/text/encoding"
)

const (
	headerSize      = 32
	fieldDescSize   = 32
	fieldTerminator = 0x0D
	endOfFile       = 0x1A
	deletedFlag     = '*'
	liveFlag        = ' '
)

var (
	ErrInvalidHeader = errors.New("dbf: invalid header")
	ErrInvalidField  = errors.New("dbf: invalid field descriptor")
)

// Field describes one column of a table.
type Field struct {
	Name     string
	Type     byte
	Length   int
	Decimals int

	offset int
}

// Table is a parsed DBF file held in memory.
type Table struct {
	Version        byte
	Updated        time.Time
	LanguageDriver byte
	Fields         []Field

	recordCount  int
	headerLength int
	recordLength int
	data         []byte
	enc          encoding.Encoding
}

type options struct {
	encoding string
}

// Option configures Parse.
type Option func(*options)

// WithEncoding selects the text encoding of character fields. "auto" picks one
// from the language driver byte of the header.
func WithEncoding(name string) Option {
	return func(o *options) { o.encoding = name }
}

// Parse reads the header and field descriptors of data. Records are decoded
// lazily by Records.
func Parse(data []byte, opts ...Option) (*Table, error) {
	o := options{encoding: DefaultEncoding}
	for _, opt := range opts {
		opt(&o)
	}

	if len(data) < headerSize+1 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrInvalidHeader, len(data))
	}

	t := &Table{
		Version:        data[0],
		LanguageDriver: data[29],
		recordCount:    int(binary.LittleEndian.Uint32(data[4:8])),
		headerLength:   int(binary.LittleEndian.Uint16(data[8:10])),
		recordLength:   int(binary.LittleEndian.Uint16(data[10:12])),
		data:           data,
	}
	if data[2] >= 1 && data[2] <= 12 && data[3] >= 1 && data[3] <= 31 {
		t.Updated = time.Date(1900+int(data[1]), time.Month(data[2]), int(data[3]), 0, 0, 0, 0, time.UTC)
	}
	if t.headerLength <= headerSize || t.headerLength > len(data) {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrInvalidHeader, t.headerLength)
	}
	if t.recordLength < 1 {
		return nil, fmt.Errorf("%w: record length %d", ErrInvalidHeader, t.recordLength)
	}

	enc, err := lookupEncoding(o.encoding, t.LanguageDriver)
	if err != nil {
		return nil, err
	}
	t.enc = enc

	if err := t.readFields(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) readFields() error {
	offset := 1 // deletion flag
	for pos := headerSize; pos < t.headerLength; pos += fieldDescSize {
		if t.data[pos] == fieldTerminator {
			break
		}
		if pos+fieldDescSize > t.headerLength {
			return fmt.Errorf("%w: descriptor at %d overruns header", ErrInvalidField, pos)
		}
		desc := t.data[pos : pos+fieldDescSize]

		nameEnd := 0
		for nameEnd < 11 && desc[nameEnd] != 0 {
			nameEnd++
		}
		name, err := t.decode(desc[:nameEnd])
		if err != nil {
			return fmt.Errorf("%w: field name: %v", ErrInvalidField, err)
		}
		f := Field{
			Name:     name,
			Type:     desc[11],
			Length:   int(desc[16]),
			Decimals: int(desc[17]),
			offset:   offset,
		}
		// Clipper and FoxPro store character widths above 255 in the decimal byte.
		if f.Type == 'C' && f.Decimals > 0 {
			f.Length |= f.Decimals << 8
			f.Decimals = 0
		}
		if f.Name == "" {
			return fmt.Errorf("%w: empty name at %d", ErrInvalidField, pos)
		}
		if offset+f.Length > t.recordLength {
			return fmt.Errorf("%w: field %s exceeds record length %d", ErrInvalidField, f.Name, t.recordLength)
		}
		offset += f.Length
		t.Fields = append(t.Fields, f)
	}
	if len(t.Fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidField)
	}
	return nil
}

// FieldNames returns the visible column names in file order. The Visual FoxPro
// _NullFlags column is omitted.
func (t *Table) FieldNames() []string {
	names := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		if f.hidden() {
			continue
		}
		names = append(names, f.Name)
	}
	return names
}

// RecordCount is the count stored in the header, deleted records included.
func (t *Table) RecordCount() int { return t.recordCount }

// Record is one live row. Values are aligned with FieldNames.
type Record struct {
	Index  int
	Values []any
}

// Records decodes every live record. The header count is not trusted: reading
// runs until the end-of-file marker or the end of the data. Rows whose flag is
// anything but a space are skipped, deleted ones included.
func (t *Table) Records() ([]Record, error) {
	var out []Record
	for i := 0; ; i++ {
		start := t.headerLength + i*t.recordLength
		if start >= len(t.data) || t.data[start] == endOfFile {
			break
		}
		end := start + t.recordLength
		if end > len(t.data) {
			break
		}
		raw := t.data[start:end]
		if raw[0] != liveFlag {
			continue
		}
		rec := Record{Index: i, Values: make([]any, 0, len(t.Fields))}
		for _, f := range t.Fields {
			if f.hidden() {
				continue
			}
			v, err := t.parseValue(f, raw[f.offset:f.offset+f.Length])
			if err != nil {
				return nil, fmt.Errorf("record %d field %s: %w", i, f.Name, err)
			}
			rec.Values = append(rec.Values, v)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f Field) hidden() bool { return f.Type == '0' }

func (t *Table) isVisualFoxPro() bool {
	return t.Version == 0x30 || t.Version == 0x31 || t.Version == 0x32
}

func (t *Table) decode(b []byte) (string, error) {
	if t.enc == nil {
		return string(b), nil
	}
	out, err := t.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
