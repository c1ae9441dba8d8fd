/**
 * Payload sniffing
 *
 * Classifies an opaque payload (data URL or bare base64 plus an optional
 * MIME hint) as PDF, image or unknown. Magic bytes found in the first
 * 256 KiB of decoded content always win over a declared MIME type, which
 * matters for sources like Google Drive that label everything
 * "application/octet-stream".
 */

package sniff

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// SniffLimit is how many decoded bytes are inspected for a signature
const SniffLimit = 256 * 1024

const (
	MimePDF  = "application/pdf"
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
	MimeGIF  = "image/gif"
	MimeWEBP = "image/webp"
	MimeTIFF = "image/tiff"
	MimeBMP  = "image/bmp"
)

// Kind is the routing decision for a payload
type Kind string

const (
	KindPDF     Kind = "pdf"
	KindImage   Kind = "image"
	KindUnknown Kind = "unknown"
	KindInvalid Kind = "invalid"
)

// ErrInvalidPayload is returned when a payload cannot be decoded to any bytes
var ErrInvalidPayload = errors.New("payload is not valid base64")

// Result describes a sniffed payload
type Result struct {
	Kind          Kind
	EffectiveMime string
	DeclaredMime  string
	DetectedMime  string

	payload  string
	isBase64 bool
}

// DeclaredKind is the kind implied by the header or hint alone
func (r Result) DeclaredKind() Kind {
	return kindOf(r.DeclaredMime)
}

// Decode returns the full decoded payload
func (r Result) Decode() ([]byte, error) {
	if !r.isBase64 {
		s, err := url.PathUnescape(r.payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if s == "" {
			return nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
		}
		return []byte(s), nil
	}
	return DecodeBase64(r.payload)
}

// Sniff resolves the effective MIME type of payload. It never fails;
// undecodable input yields KindInvalid.
func Sniff(payload string, mimeHint string) Result {
	declared, data, isBase64 := SplitDataURL(payload)
	if declared == "" {
		declared = normalizeMime(mimeHint)
	}

	res := Result{
		DeclaredMime: declared,
		payload:      data,
		isBase64:     isBase64,
	}

	head, err := res.head()
	if err != nil || len(head) == 0 {
		res.Kind = KindInvalid
		return res
	}

	res.DetectedMime = DetectMagic(head)
	res.EffectiveMime = res.DetectedMime
	if res.EffectiveMime == "" {
		res.EffectiveMime = declared
	}
	res.Kind = kindOf(res.EffectiveMime)
	return res
}

// head decodes at most SniffLimit bytes from the start of the payload
func (r Result) head() ([]byte, error) {
	if !r.isBase64 {
		b, err := r.Decode()
		if len(b) > SniffLimit {
			b = b[:SniffLimit]
		}
		return b, err
	}

	// 4 base64 characters carry 3 bytes
	need := (SniffLimit + 2) / 3 * 4
	prefix, complete := base64Prefix(r.payload, need)
	if complete {
		b, err := DecodeBase64(prefix)
		if len(b) > SniffLimit {
			b = b[:SniffLimit]
		}
		return b, err
	}

	b, err := base64.StdEncoding.DecodeString(prefix)
	if err != nil {
		b, err = base64.URLEncoding.DecodeString(prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b[:SniffLimit], nil
}

// base64Prefix collects the first n non-whitespace characters of s.
// complete is true when s has no more than n of them.
func base64Prefix(s string, n int) (string, bool) {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isSpace(c) {
			continue
		}
		if sb.Len() == n {
			return sb.String(), false
		}
		sb.WriteByte(c)
	}
	return sb.String(), true
}

// DecodeBase64 accepts standard or URL-safe alphabets, with or without
// padding, and ignores embedded whitespace.
func DecodeBase64(s string) ([]byte, error) {
	s = stripSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}

	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, lastErr)
}

// SplitDataURL strips a "data:<mime>[;params][;base64]," header. Payloads
// without a header are returned as base64 with an empty MIME type.
func SplitDataURL(payload string) (mime, data string, isBase64 bool) {
	trimmed := strings.TrimSpace(payload)
	if len(trimmed) < 5 || !strings.EqualFold(trimmed[:5], "data:") {
		return "", trimmed, true
	}

	comma := strings.IndexByte(trimmed, ',')
	if comma < 0 {
		return "", trimmed, true
	}

	params := strings.Split(trimmed[5:comma], ";")
	mime = normalizeMime(params[0])
	isBase64 = false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	return mime, trimmed[comma+1:], isBase64
}

// DetectMagic returns the MIME type whose signature data starts with, or ""
func DetectMagic(data []byte) string {
	if len(data) < 2 {
		return ""
	}

	// PDF: %PDF-, allowing leading junk some producers emit before the header
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return MimePDF
	}
	if bytes.Contains(data[:min(1024, len(data))], []byte("%PDF-")) {
		return MimePDF
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return MimePNG
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return MimeJPEG
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return MimeGIF
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return MimeWEBP
	}

	// TIFF: 'I' 'I' 0x2A 0x00 (little-endian) or 'M' 'M' 0x00 0x2A (big-endian)
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return MimeTIFF
	}

	// BMP: 'B' 'M' followed by a plausible header
	if len(data) >= 14 && bytes.HasPrefix(data, []byte("BM")) {
		return MimeBMP
	}

	return ""
}

func kindOf(mime string) Kind {
	switch {
	case mime == MimePDF:
		return KindPDF
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	default:
		return KindUnknown
	}
}

// normalizeMime lowercases and maps common aliases
func normalizeMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/jpg", "image/pjpeg":
		return MimeJPEG
	case "application/x-pdf":
		return MimePDF
	case "image/x-ms-bmp":
		return MimeBMP
	}
	return mime
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

func stripSpace(s string) string {
	if strings.IndexFunc(s, func(r rune) bool { return r < 0x80 && isSpace(byte(r)) }) < 0 {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if !isSpace(s[i]) {
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
