package dataset

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// Decode detects the encoding of data, strips any byte order mark and
// returns UTF-8 along with the detected encoding name. Input that is not
// valid UTF-8 and carries no BOM is read as Latin-1.
func Decode(data []byte) ([]byte, string, error) {
	var name string
	switch {
	case len(data) == 0:
		return data, "utf-8", nil
	case bytes.HasPrefix(data, bomUTF8):
		name = "utf-8-bom"
	case bytes.HasPrefix(data, bomUTF16LE):
		name = "utf-16le"
	case bytes.HasPrefix(data, bomUTF16BE):
		name = "utf-16be"
	case utf8.Valid(data):
		return data, "utf-8", nil
	default:
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, "", err
		}
		return out, "latin-1", nil
	}

	// BOMOverride switches to the encoding named by the BOM and drops it.
	out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return nil, "", err
	}
	return out, name, nil
}
