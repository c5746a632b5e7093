package crypto

import (
	"bytes"

	"golang.org/x/text/encoding/unicode"
)

// CleanupMode selects how decrypted payload bytes are turned into JSON text.
type CleanupMode int

const (
	// CleanupPrintable keeps only bytes in the printable ASCII range 32..126.
	// This also drops the CBC padding. Non-ASCII cleartext is lost.
	CleanupPrintable CleanupMode = iota

	// CleanupUTF8 removes PKCS#7 padding and repairs invalid UTF-8.
	CleanupUTF8
)

func (m CleanupMode) String() string {
	switch m {
	case CleanupPrintable:
		return "printable"
	case CleanupUTF8:
		return "utf8"
	default:
		return "unknown"
	}
}

// Intify masks every element to a byte. Key material from other RSA
// implementations may carry wider code units; a Go byte slice already fits,
// so the mask only copies.
func Intify(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c & 0xff
	}
	return out
}

// Clearify drops every byte outside printable ASCII.
func Clearify(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c >= 32 && c <= 126 {
			out = append(out, c)
		}
	}
	return out
}

// unpadPKCS7 strips valid PKCS#7 padding and leaves anything else untouched.
func unpadPKCS7(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	n := int(b[len(b)-1])
	if n == 0 || n > 16 || n > len(b) {
		return b
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return b
	}
	return b[:len(b)-n]
}

// repairUTF8 replaces invalid UTF-8 sequences with U+FFFD and drops ASCII
// control bytes other than tab, newline and carriage return.
func repairUTF8(b []byte) ([]byte, error) {
	fixed, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return nil, err
	}

	out := fixed[:0]
	for _, c := range fixed {
		if c < 32 && c != '\t' && c != '\n' && c != '\r' {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
