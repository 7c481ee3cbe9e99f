package upstream

import (
	"errors"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// ContentCharset returns the charset parameter of a Content-Type value,
// or "" when none is declared.
func ContentCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(params["charset"])
}

// LookupEncoding resolves a charset label. An empty label is UTF-8.
func LookupEncoding(charset string) (encoding.Encoding, error) {
	if charset == "" {
		return unicode.UTF8, nil
	}
	return htmlindex.Get(charset)
}

var errInvalidUTF8 = errors.New("body is not valid UTF-8")

// decode converts body from charset to a UTF-8 string. A UTF-8 body,
// declared or assumed, must be valid as-is.
func decode(body []byte, charset string) (string, error) {
	enc, err := LookupEncoding(charset)
	if err != nil {
		return "", err
	}
	if enc == unicode.UTF8 {
		if !utf8.Valid(body) {
			return "", errInvalidUTF8
		}
		return string(body), nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
