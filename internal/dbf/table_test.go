package dbf

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fieldSpec struct {
	name     string
	typ      byte
	length   int
	decimals int
}

// buildTable assembles a DBF image. Each row is the raw record body without
// the deletion flag; rows listed in deleted get a '*' flag.
func buildTable(t *testing.T, version byte, driver byte, fields []fieldSpec, rows [][]byte, deleted map[int]bool) []byte {
	t.Helper()

	recordLen := 1
	for _, f := range fields {
		recordLen += f.length
	}
	headerLen := headerSize + fieldDescSize*len(fields) + 1

	buf := make([]byte, headerLen)
	buf[0] = version
	buf[1], buf[2], buf[3] = 124, 5, 17
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(rows)))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(headerLen))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(recordLen))
	buf[29] = driver

	for i, f := range fields {
		desc := buf[headerSize+i*fieldDescSize:]
		copy(desc[:11], f.name)
		desc[11] = f.typ
		desc[16] = byte(f.length)
		desc[17] = byte(f.decimals)
		if f.typ == 'C' && f.length > 255 {
			desc[17] = byte(f.length >> 8)
		}
	}
	buf[headerLen-1] = fieldTerminator

	for i, r := range rows {
		require.Len(t, r, recordLen-1, "row %d width", i)
		flag := byte(' ')
		if deleted[i] {
			flag = deletedFlag
		}
		buf = append(buf, flag)
		buf = append(buf, r...)
	}
	return append(buf, endOfFile)
}

// cols pads each value with trailing spaces to its field width.
func cols(fields []fieldSpec, values ...string) []byte {
	var out []byte
	for i, f := range fields {
		v := []byte(values[i])
		for len(v) < f.length {
			v = append(v, ' ')
		}
		out = append(out, v[:f.length]...)
	}
	return out
}

var productFields = []fieldSpec{
	{name: "CODIGO", typ: 'C', length: 6},
	{name: "NOMBRE", typ: 'C', length: 12},
	{name: "PRECIO", typ: 'N', length: 10, decimals: 2},
	{name: "STOCK", typ: 'N', length: 5},
	{name: "ALTA", typ: 'D', length: 8},
	{name: "ACTIVO", typ: 'L', length: 1},
}

func TestParseReadsFieldsAndRecords(t *testing.T) {
	rows := [][]byte{
		cols(productFields, "A001", "Caf\xe9", "     12.50", "    7", "20240301", "T"),
		cols(productFields, "A002", "Borrado", "1", "1", "20240301", "F"),
		cols(productFields, "A003", "", "", "", "", "?"),
	}
	data := buildTable(t, 0x03, 0, productFields, rows, map[int]bool{1: true})

	table, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, []string{"CODIGO", "NOMBRE", "PRECIO", "STOCK", "ALTA", "ACTIVO"}, table.FieldNames())
	assert.Equal(t, time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC), table.Updated)
	assert.Equal(t, 3, table.RecordCount())

	records, err := table.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, 0, records[0].Index)
	assert.Equal(t, []any{"A001", "Café", 12.5, int64(7), Date{2024, time.March, 1}, true}, records[0].Values)

	assert.Equal(t, 2, records[1].Index)
	assert.Equal(t, []any{"A003", "", nil, nil, nil, nil}, records[1].Values)
}

func TestParseRejectsBrokenHeaders(t *testing.T) {
	_, err := Parse([]byte{0x03, 1, 2})
	assert.ErrorIs(t, err, ErrInvalidHeader)

	data := buildTable(t, 0x03, 0, productFields, nil, nil)
	binary.LittleEndian.PutUint16(data[8:10], 0xFFFF)
	_, err = Parse(data)
	assert.ErrorIs(t, err, ErrInvalidHeader)

	data = buildTable(t, 0x03, 0, productFields, nil, nil)
	binary.LittleEndian.PutUint16(data[10:12], 10)
	_, err = Parse(data)
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestRecordsStopAtEndOfFile(t *testing.T) {
	fields := []fieldSpec{{name: "ID", typ: 'C', length: 3}}
	data := buildTable(t, 0x03, 0, fields, [][]byte{[]byte("001")}, nil)
	// Claim more records than the file holds.
	binary.LittleEndian.PutUint32(data[4:8], 5)

	table, err := Parse(data)
	require.NoError(t, err)
	records, err := table.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "001", records[0].Values[0])
}

func TestRecordsIgnoreStaleHeaderCount(t *testing.T) {
	fields := []fieldSpec{{name: "ID", typ: 'C', length: 3}}
	data := buildTable(t, 0x03, 0, fields, [][]byte{[]byte("001"), []byte("002")}, nil)
	binary.LittleEndian.PutUint32(data[4:8], 1)

	table, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, 1, table.RecordCount())
	records, err := table.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "002", records[1].Values[0])
}

func TestRecordsSkipUnknownFlags(t *testing.T) {
	fields := []fieldSpec{{name: "ID", typ: 'C', length: 3}}
	data := buildTable(t, 0x03, 0, fields, [][]byte{[]byte("001"), []byte("002"), []byte("003")}, nil)
	// Second row flag is neither live nor deleted.
	data[len(data)-1-2*4] = '#'

	table, err := Parse(data)
	require.NoError(t, err)
	records, err := table.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "001", records[0].Values[0])
	assert.Equal(t, "003", records[1].Values[0])
	assert.Equal(t, 2, records[1].Index)
}

func TestVisualFoxProBinaryFields(t *testing.T) {
	fields := []fieldSpec{
		{name: "ID", typ: 'I', length: 4},
		{name: "PESO", typ: 'B', length: 8},
		{name: "SALDO", typ: 'Y', length: 8},
		{name: "CREADO", typ: 'T', length: 8},
		{name: "NOTAS", typ: 'M', length: 4},
		{name: "_NullFlags", typ: '0', length: 1},
	}
	row := make([]byte, 0, 33)
	row = binary.LittleEndian.AppendUint32(row, uint32(0xFFFFFFFE)) // -2
	row = binary.LittleEndian.AppendUint64(row, math.Float64bits(2.25))
	row = binary.LittleEndian.AppendUint64(row, uint64(123400))
	row = binary.LittleEndian.AppendUint32(row, 2460371)
	row = binary.LittleEndian.AppendUint32(row, 45296789)
	row = binary.LittleEndian.AppendUint32(row, 17)
	row = append(row, 0)

	// A never-filled datetime is stored as spaces.
	blank := make([]byte, 0, 33)
	blank = binary.LittleEndian.AppendUint32(blank, 1)
	blank = binary.LittleEndian.AppendUint64(blank, 0)
	blank = binary.LittleEndian.AppendUint64(blank, 0)
	blank = append(blank, bytes.Repeat([]byte(" "), 8)...)
	blank = binary.LittleEndian.AppendUint32(blank, 0)
	blank = append(blank, 0)

	table, err := Parse(buildTable(t, 0x30, 0, fields, [][]byte{row, blank}, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"ID", "PESO", "SALDO", "CREADO", "NOTAS"}, table.FieldNames())

	records, err := table.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)

	v := records[0].Values
	require.Len(t, v, 5)
	assert.Equal(t, int64(-2), v[0])
	assert.Equal(t, 2.25, v[1])
	assert.Equal(t, Currency(123400), v[2])
	assert.Equal(t, time.Date(2024, 3, 1, 12, 34, 56, 789000000, time.UTC), v[3])
	assert.Nil(t, v[4])

	assert.Equal(t, int64(1), records[1].Values[0])
	assert.Nil(t, records[1].Values[3])
}

func TestWideCharacterField(t *testing.T) {
	fields := []fieldSpec{{name: "TEXTO", typ: 'C', length: 300}}
	row := make([]byte, 300)
	for i := range row {
		row[i] = 'x'
	}
	table, err := Parse(buildTable(t, 0x03, 0, fields, [][]byte{row}, nil))
	require.NoError(t, err)
	assert.Equal(t, 300, table.Fields[0].Length)

	records, err := table.Records()
	require.NoError(t, err)
	assert.Len(t, records[0].Values[0], 300)
}

func TestEncodingSelection(t *testing.T) {
	fields := []fieldSpec{{name: "SIMBOLO", typ: 'C', length: 1}}
	rows := [][]byte{{0x80}}

	table, err := Parse(buildTable(t, 0x03, 0x03, fields, rows, nil), WithEncoding("auto"))
	require.NoError(t, err)
	records, err := table.Records()
	require.NoError(t, err)
	assert.Equal(t, "€", records[0].Values[0])

	table, err = Parse(buildTable(t, 0x03, 0x03, fields, rows, nil))
	require.NoError(t, err)
	records, err = table.Records()
	require.NoError(t, err)
	assert.Equal(t, "\u0080", records[0].Values[0])

	_, err = Parse(buildTable(t, 0x03, 0, fields, rows, nil), WithEncoding("klingon"))
	assert.Error(t, err)
}

func TestTextMatchesPythonStr(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "abc", "abc"},
		{"int", int64(-42), "-42"},
		{"float", 12.5, "12.5"},
		{"integral float", 3.0, "3.0"},
		{"large float", 1e16, "1e+16"},
		{"small float", 0.00001, "1e-05"},
		{"bool true", true, "True"},
		{"bool false", false, "False"},
		{"date", Date{2024, time.March, 1}, "2024-03-01"},
		{"datetime", time.Date(2024, 3, 1, 12, 34, 56, 0, time.UTC), "2024-03-01 12:34:56"},
		{"datetime micros", time.Date(2024, 3, 1, 12, 34, 56, 789000000, time.UTC), "2024-03-01 12:34:56.789000"},
		{"currency", Currency(123400), "12.34"},
		{"currency whole", Currency(10000), "1"},
		{"currency negative", Currency(-5), "-0.0005"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Text(tt.in)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := Text(nil)
	assert.False(t, ok)
}
