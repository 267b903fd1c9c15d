// Package formdata implements the FormData encode/decode path: boundary
// generation, the default file name/content-type (`"blob"` /
// `"application/octet-stream"`) used when an entry's Blob carries
// neither, and Decode for both multipart/form-data and
// application/x-www-form-urlencoded bodies. Parse tolerance for
// malformed input is intentionally narrow.
package formdata

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
)

// Entry is one FormData field: either a plain string value, or a file
// part (Filename/ContentType set, Bytes holding the part's content).
type Entry struct {
	Name        string
	Value       string
	IsFile      bool
	Filename    string
	ContentType string
	Bytes       []byte
}

// DefaultFilename is used when a Blob (not a File) is appended without an
// explicit filename.
const DefaultFilename = "blob"

// DefaultContentType is used when a file part carries no Blob type.
const DefaultContentType = "application/octet-stream"

// NewBoundary generates a multipart boundary in the form
// `Boundary<base64(12 random bytes)>`.
func NewBoundary() (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("formdata: generate boundary: %w", err)
	}
	return "Boundary" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Encode writes entries as a multipart/form-data body using boundary,
// returning the encoded bytes and the full Content-Type header value
// (including the boundary parameter).
func Encode(entries []Entry, boundary string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(boundary); err != nil {
		return nil, "", fmt.Errorf("formdata: set boundary: %w", err)
	}

	for _, e := range entries {
		if !e.IsFile {
			if err := w.WriteField(e.Name, e.Value); err != nil {
				return nil, "", fmt.Errorf("formdata: write field %q: %w", e.Name, err)
			}
			continue
		}
		filename := e.Filename
		if filename == "" {
			filename = DefaultFilename
		}
		contentType := e.ContentType
		if contentType == "" {
			contentType = DefaultContentType
		}
		part, err := w.CreatePart(filePartHeader(e.Name, filename, contentType))
		if err != nil {
			return nil, "", fmt.Errorf("formdata: create part %q: %w", e.Name, err)
		}
		if _, err := part.Write(e.Bytes); err != nil {
			return nil, "", fmt.Errorf("formdata: write part %q: %w", e.Name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("formdata: close writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// ErrUnsupportedContentType is returned by Decode when contentType is
// neither multipart/form-data nor application/x-www-form-urlencoded.
var ErrUnsupportedContentType = errors.New("formdata: unsupported content type")

// Decode parses raw as a FormData body, branching on contentType
// (typically a Content-Type header value, boundary parameter included
// for the multipart case). Per the package doc's narrow decode
// tolerance, a malformed multipart body is reported rather than
// best-effort salvaged.
func Decode(contentType string, raw []byte) ([]Entry, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("formdata: parse content type: %w", err)
	}

	switch mediaType {
	case "multipart/form-data":
		return decodeMultipart(raw, params["boundary"])
	case "application/x-www-form-urlencoded":
		return decodeURLEncoded(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, mediaType)
	}
}

func decodeMultipart(raw []byte, boundary string) ([]Entry, error) {
	if boundary == "" {
		return nil, fmt.Errorf("formdata: multipart content type missing boundary")
	}
	r := multipart.NewReader(bytes.NewReader(raw), boundary)
	var entries []Entry
	for {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("formdata: read part: %w", err)
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("formdata: read part body: %w", err)
		}
		if filename := part.FileName(); filename != "" {
			contentType := part.Header.Get("Content-Type")
			if contentType == "" {
				contentType = DefaultContentType
			}
			entries = append(entries, Entry{
				Name:        part.FormName(),
				IsFile:      true,
				Filename:    filename,
				ContentType: contentType,
				Bytes:       data,
			})
			continue
		}
		entries = append(entries, Entry{Name: part.FormName(), Value: string(data)})
	}
	return entries, nil
}

func decodeURLEncoded(raw []byte) ([]Entry, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("formdata: parse urlencoded body: %w", err)
	}
	var entries []Entry
	for name, vals := range values {
		for _, v := range vals {
			entries = append(entries, Entry{Name: name, Value: v})
		}
	}
	return entries, nil
}

func filePartHeader(name, filename, contentType string) map[string][]string {
	return map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name=%q; filename=%q`, name, filename)},
		"Content-Type":        {contentType},
	}
}
