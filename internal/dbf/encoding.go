package dbf

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// DefaultEncoding is used when no encoding is given and when "auto" finds no
// usable language driver.
const DefaultEncoding = "latin1"

var encodingAliases = map[string]encoding.Encoding{
	"latin1":     charmap.ISO8859_1,
	"latin-1":    charmap.ISO8859_1,
	"iso-8859-1": charmap.ISO8859_1,
	"cp437":      charmap.CodePage437,
	"cp850":      charmap.CodePage850,
	"cp852":      charmap.CodePage852,
	"cp866":      charmap.CodePage866,
	"cp1250":     charmap.Windows1250,
	"cp1251":     charmap.Windows1251,
	"cp1252":     charmap.Windows1252,
	"utf8":       unicode.UTF8,
	"utf-8":      unicode.UTF8,
}

// languageDrivers maps the header byte at offset 29 to a code page.
var languageDrivers = map[byte]string{
	0x01: "cp437",
	0x02: "cp850",
	0x03: "cp1252",
	0x57: "cp1252",
	0x64: "cp852",
	0x65: "cp866",
	0xC8: "cp1250",
	0xC9: "cp1251",
}

func lookupEncoding(name string, driver byte) (encoding.Encoding, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultEncoding
	}
	if key == "auto" {
		key = DefaultEncoding
		if cp, ok := languageDrivers[driver]; ok {
			key = cp
		}
	}
	if enc, ok := encodingAliases[key]; ok {
		return enc, nil
	}
	enc, err := ianaindex.IANA.Encoding(key)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("dbf: unsupported encoding %q", name)
	}
	return enc, nil
}
