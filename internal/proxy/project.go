package proxy

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"golang.org/x/text/encoding"

	"github.com/goodtune/prerender-proxy/internal/upstream"
)

// ErrResponseWrite is returned when a snapshot could not be written to
// the client.
var ErrResponseWrite = errors.New("response write failed")

// Project writes snap to w: status verbatim, headers minus hop-by-hop and
// Content-Encoding (the body is always sent as plain re-encoded text),
// Content-Type charset set from snap.Charset and the body encoded in that
// charset. The body is encoded before anything is sent, so an encoding
// failure leaves w untouched. It returns the number of body bytes written.
func Project(w http.ResponseWriter, snap *Snapshot) (int64, error) {
	enc, err := upstream.LookupEncoding(snap.Charset)
	if err != nil {
		return 0, fmt.Errorf("%w: charset %q: %v", ErrResponseWrite, snap.Charset, err)
	}
	body, err := encoding.ReplaceUnsupported(enc.NewEncoder()).Bytes([]byte(snap.Body))
	if err != nil {
		return 0, fmt.Errorf("%w: encoding body: %v", ErrResponseWrite, err)
	}

	h := w.Header()
	upstream.CopyHeader(h, snap.Header, "Content-Length", "Content-Encoding")
	if snap.Charset != "" {
		setCharset(h, snap.Charset)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))

	status := snap.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	n, err := w.Write(body)
	if err != nil {
		return int64(n), fmt.Errorf("%w: %w", ErrResponseWrite, err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return int64(n), nil
}

// setCharset replaces or adds the charset parameter of Content-Type.
func setCharset(h http.Header, charset string) {
	ct := h.Get("Content-Type")
	if ct == "" {
		h.Set("Content-Type", mime.FormatMediaType("text/html", map[string]string{"charset": charset}))
		return
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return
	}
	params["charset"] = charset
	if v := mime.FormatMediaType(mediaType, params); v != "" {
		h.Set("Content-Type", v)
	}
}
