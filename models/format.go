package models

import "strings"

// ImageFormat is the screenshot encoding negotiated from the Accept header.
type ImageFormat string

const (
	FormatWebP ImageFormat = "webp"
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
)

// DefaultAccept is assumed when the caller sends no Accept header.
const DefaultAccept = "image/jpeg"

// acceptTable maps the exact Accept tokens we honour. Order matters only for
// the list shown to callers in NotAcceptableError.
var acceptTable = []struct {
	token  string
	format ImageFormat
}{
	{"image/webp", FormatWebP},
	{"image/png", FormatPNG},
	{"image/jpeg", FormatJPEG},
	{"image/*", FormatJPEG},
	{"*/*", FormatJPEG},
}

// SupportedAccept lists every Accept value NegotiateFormat understands.
func SupportedAccept() []string {
	out := make([]string, len(acceptTable))
	for i, e := range acceptTable {
		out[i] = e.token
	}
	return out
}

// NegotiateFormat maps an Accept header to an ImageFormat. The header is
// matched as a whole token; there is no q-value parsing.
func NegotiateFormat(accept string) (ImageFormat, error) {
	accept = strings.TrimSpace(accept)
	if accept == "" {
		accept = DefaultAccept
	}
	for _, e := range acceptTable {
		if e.token == accept {
			return e.format, nil
		}
	}
	return "", &NotAcceptableError{Accept: accept, Supported: SupportedAccept()}
}

// MIMEType is the Content-Type of a screenshot in this format.
func (f ImageFormat) MIMEType() string {
	return "image/" + string(f)
}
