// Package names decodes and encodes archive member names: the UTF-16
// variants the binary formats store (big-endian for Joliet, little-endian
// for 7z) and the legacy single-byte codepages pre-Unicode zip encoders
// used.
package names

import (
	"errors"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var errDecode = errors.New("names: undecodable byte sequence")

// Codepage selects the decoder for non-UTF-8 zip names.
type Codepage int

const (
	CPWindows1252 Codepage = iota // default per APPNOTE practice
	CPWindows1251
	CPCP437
)

var codepages = map[Codepage]*charmap.Charmap{
	CPWindows1252: charmap.Windows1252,
	CPWindows1251: charmap.Windows1251,
	CPCP437:       charmap.CodePage437,
}

// DecodeCodepage decodes b using cp. Unknown codepages fall back to
// Windows-1252.
func DecodeCodepage(b []byte, cp Codepage) (string, error) {
	cm, ok := codepages[cp]
	if !ok {
		cm = charmap.Windows1252
	}
	out, err := cm.NewDecoder().Bytes(b)
	if err != nil {
		return "", errDecode
	}
	return string(out), nil
}

// DecodeUTF16 decodes UTF-16 bytes; bigEndian selects the byte order.
// An odd-length slice or an unpaired surrogate is an error.
func DecodeUTF16(b []byte, bigEndian bool) (string, error) {
	if len(b)%2 != 0 {
		return "", errDecode
	}
	u := make([]uint16, len(b)/2)
	for i := range u {
		if bigEndian {
			u[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
		} else {
			u[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
		}
	}
	runes := utf16.Decode(u)
	for _, r := range runes {
		if r == utf8.RuneError {
			return "", errDecode
		}
	}
	return string(runes), nil
}

// AppendUTF16 appends the UTF-16 encoding of s to dst.
func AppendUTF16(dst []byte, s string, bigEndian bool) []byte {
	for _, u := range utf16.Encode([]rune(s)) {
		if bigEndian {
			dst = append(dst, byte(u>>8), byte(u))
		} else {
			dst = append(dst, byte(u), byte(u>>8))
		}
	}
	return dst
}

// UTF16Len reports the encoded byte length of s in UTF-16.
func UTF16Len(s string) int {
	return 2 * len(utf16.Encode([]rune(s)))
}
