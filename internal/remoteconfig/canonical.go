package remoteconfig

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"
)

// The backend signs hex(SHA-256(canonical + ":" + secret)) where canonical is
// the document serialized with sorted keys, ", " / ": " separators and
// ASCII-escaped strings, i.e. the exact output of Python's json.dumps with
// sort_keys=True. Verification has to reproduce those bytes, so this file
// implements that serialization rather than using encoding/json (which
// differs in separators and HTML escaping).

// signedFields returns the document's canonical serialization with the
// signature envelope fields removed. The backend appends both "signature"
// and "timestamp" after signing, so neither is part of the signed payload.
func signedFields(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("config document: %w", err)
	}
	delete(doc, "signature")
	delete(doc, "timestamp")

	var b strings.Builder
	if err := writeCanonical(&b, doc); err != nil {
		return "", err
	}
	return b.String(), nil
}

// computeSignature returns the expected signature for a raw document.
func computeSignature(raw []byte, secret string) (string, error) {
	canonical, err := signedFields(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical + ":" + secret))
	return hex.EncodeToString(sum[:]), nil
}

// verifySignature checks the embedded signature in constant time.
func verifySignature(raw []byte, embedded, secret string) (bool, error) {
	want, err := computeSignature(raw, secret)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(embedded)), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if x {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case json.Number:
		b.WriteString(x.String())
	case string:
		writePyString(b, x)
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			writePyString(b, k)
			b.WriteString(": ")
			if err := writeCanonical(b, x[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("config document: unsupported value type %T", v)
	}
	return nil
}

// writePyString writes s the way json.dumps does with its default
// ensure_ascii=True: non-ASCII runes become \uXXXX (surrogate pairs above
// the BMP), and only the JSON-mandated escapes are applied otherwise.
func writePyString(b *strings.Builder, s string) {
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
			case r < 0x20:
				fmt.Fprintf(b, `\u%04x`, r)
			case r < 0x7f:
				b.WriteRune(r)
			case r <= 0xffff:
				fmt.Fprintf(b, `\u%04x`, r)
			default:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(b, `\u%04x\u%04x`, hi, lo)
			}
		}
	}
	b.WriteByte('"')
}
