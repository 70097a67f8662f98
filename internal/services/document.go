package services

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/Lllllllleong/dbfsync/internal/dbf"
	"github.com/Lllllllleong/dbfsync/internal/models"
)

const maxDocumentIDBytes = 1500

// CollectionName derives the target collection from a Drive file name:
// extension dropped, lower-cased.
func CollectionName(fileName string) string {
	base := fileName
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[:i]
	}
	return strings.ToLower(base)
}

// ValidDocumentID reports whether id can name a Firestore document or
// collection segment.
func ValidDocumentID(id string) bool {
	switch {
	case id == "", id == ".", id == "..":
		return false
	case strings.Contains(id, "/"):
		return false
	case len(id) > maxDocumentIDBytes:
		return false
	case len(id) >= 4 && strings.HasPrefix(id, "__") && strings.HasSuffix(id, "__"):
		return false
	}
	return true
}

// BuildDocuments converts live records into documents keyed by the first
// column. Records whose key is blank or not a valid document ID are counted
// in skipped.
func BuildDocuments(fieldNames []string, records []dbf.Record, hashField string) (docs []models.Document, skipped int) {
	keys := make([]string, len(fieldNames))
	for i, name := range fieldNames {
		keys[i] = strings.ToLower(name)
	}

	docs = make([]models.Document, 0, len(records))
	for _, rec := range records {
		if len(rec.Values) == 0 {
			skipped++
			continue
		}
		keyText, ok := dbf.Text(rec.Values[0])
		id := strings.TrimSpace(keyText)
		if !ok || !ValidDocumentID(id) {
			skipped++
			continue
		}

		data := make(map[string]any, len(keys)+1)
		for i, v := range rec.Values {
			if i >= len(keys) {
				break
			}
			if s, ok := dbf.Text(v); ok {
				data[keys[i]] = s
			} else {
				data[keys[i]] = nil
			}
		}
		hash := HashDocument(data)
		data[hashField] = hash
		docs = append(docs, models.Document{ID: id, Hash: hash, Data: data})
	}
	return docs, skipped
}

// HashDocument returns the SHA-1 hex digest of the document rendered as
// Python's json.dumps(doc, sort_keys=True). Hashes written by the earlier
// Python loader therefore still compare equal.
func HashDocument(doc map[string]any) string {
	sum := sha1.Sum(pythonJSON(doc))
	return hex.EncodeToString(sum[:])
}

func pythonJSON(doc map[string]any) []byte {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		writePythonString(&b, k)
		b.WriteString(": ")
		switch v := doc[k].(type) {
		case nil:
			b.WriteString("null")
		case string:
			writePythonString(&b, v)
		default:
			writePythonString(&b, fmt.Sprint(v))
		}
	}
	b.WriteByte('}')
	return b.Bytes()
}

// writePythonString escapes like json.dumps with ensure_ascii=True.
func writePythonString(b *bytes.Buffer, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				b.WriteRune(r)
			case r > 0xffff:
				r1, r2 := utf16.EncodeRune(r)
				fmt.Fprintf(b, `\u%04x\u%04x`, r1, r2)
			default:
				fmt.Fprintf(b, `\u%04x`, r)
			}
		}
	}
	b.WriteByte('"')
}

// dedupe keeps the last document for every ID, preserving first-seen order.
func dedupe(docs []models.Document) []models.Document {
	index := make(map[string]int, len(docs))
	out := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		if i, ok := index[d.ID]; ok {
			out[i] = d
			continue
		}
		index[d.ID] = len(out)
		out = append(out, d)
	}
	return out
}

// archiveObjectName names the snapshot of one Drive revision.
func archiveObjectName(collection string, f models.DriveFile) string {
	return fmt.Sprintf("%s/%s-%s.dbf", collection, f.ModifiedTime.UTC().Format("20060102T150405Z"), f.ID)
}
