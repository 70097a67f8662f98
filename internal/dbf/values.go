package dbf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Date is a calendar date without a time of day (DBF type D).
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time returns the date at midnight UTC.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Currency is a FoxPro money value in ten-thousandths (DBF type Y).
type Currency int64

// String renders the shortest exact decimal, e.g. 12.34 or 7.
func (c Currency) String() string {
	neg := c < 0
	v := uint64(c)
	if neg {
		v = uint64(-c)
	}
	s := fmt.Sprintf("%d.%04d", v/10000, v%10000)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if neg {
		return "-" + s
	}
	return s
}

// julianEpochOrdinal converts a Julian day number to a proleptic Gregorian
// ordinal where 0001-01-01 is day 1.
const julianEpochOrdinal = 1721425

func (t *Table) parseValue(f Field, b []byte) (any, error) {
	switch f.Type {
	case 'C', 'V':
		return t.decode(bytes.TrimRight(b, " \x00"))
	case 'N', 'F':
		return parseNumber(b), nil
	case 'I', '+':
		if len(b) != 4 {
			return nil, fmt.Errorf("%w: integer width %d", ErrInvalidField, len(b))
		}
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case 'O':
		return parseDouble(b)
	case 'B':
		if !t.isVisualFoxPro() {
			return nil, nil
		}
		return parseDouble(b)
	case 'L':
		return parseLogical(b), nil
	case 'D':
		return parseDate(b), nil
	case 'T':
		return parseDateTime(b)
	case 'Y':
		if len(b) != 8 {
			return nil, fmt.Errorf("%w: currency width %d", ErrInvalidField, len(b))
		}
		return Currency(int64(binary.LittleEndian.Uint64(b))), nil
	case 'M', 'G', 'P':
		return nil, nil
	default:
		return t.decode(bytes.TrimSpace(b))
	}
}

// parseNumber follows dbfread: integral text becomes int64, anything else a
// float64, blanks and overflow stars nil.
func parseNumber(b []byte) any {
	s := strings.Trim(strings.TrimSpace(string(bytes.Trim(b, "\x00"))), "*")
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return nil
	}
	return f
}

func parseDouble(b []byte) (any, error) {
	if len(b) != 8 {
		return nil, fmt.Errorf("%w: double width %d", ErrInvalidField, len(b))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func parseLogical(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case 'T', 't', 'Y', 'y':
		return true
	case 'F', 'f', 'N', 'n':
		return false
	default:
		return nil
	}
}

func parseDate(b []byte) any {
	s := strings.TrimSpace(string(b))
	if len(s) != 8 || strings.Trim(s, "0") == "" {
		return nil
	}
	y, err1 := strconv.Atoi(s[:4])
	m, err2 := strconv.Atoi(s[4:6])
	d, err3 := strconv.Atoi(s[6:8])
	if err1 != nil || err2 != nil || err3 != nil || y < 1 {
		return nil
	}
	tm := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if tm.Year() != y || int(tm.Month()) != m || tm.Day() != d {
		return nil
	}
	return Date{Year: y, Month: time.Month(m), Day: d}
}

func parseDateTime(b []byte) (any, error) {
	if len(b) != 8 {
		return nil, fmt.Errorf("%w: datetime width %d", ErrInvalidField, len(b))
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	day := int(binary.LittleEndian.Uint32(b[:4]))
	msec := int64(binary.LittleEndian.Uint32(b[4:]))
	if day == 0 {
		return nil, nil
	}
	base := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.AddDate(0, 0, day-julianEpochOrdinal-1).Add(time.Duration(msec) * time.Millisecond), nil
}

// Text renders v the way Python's str() renders the equivalent dbfread value.
// The second result is false for nil.
func Text(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return pythonFloat(x), true
	case bool:
		if x {
			return "True", true
		}
		return "False", true
	case Date:
		return x.String(), true
	case time.Time:
		s := x.Format("2006-01-02 15:04:05")
		if us := x.Nanosecond() / 1000; us != 0 {
			s += fmt.Sprintf(".%06d", us)
		}
		return s, true
	case Currency:
		return x.String(), true
	default:
		return fmt.Sprint(x), true
	}
}

// pythonFloat matches repr(float): shortest round-trip digits, positional
// notation for decimal exponents in [-4, 16), scientific otherwise.
func pythonFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, err := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if err != nil || exp < -4 || exp >= 16 {
		return sci
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}
