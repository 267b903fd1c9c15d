package formdata

import (
	"bytes"
	"mime"
	"mime/multipart"
	"strings"
	"testing"
)

func TestNewBoundaryHasExpectedPrefixAndLength(t *testing.T) {
	boundary, err := NewBoundary()
	if err != nil {
		t.Fatalf("NewBoundary: %v", err)
	}
	if !strings.HasPrefix(boundary, "Boundary") {
		t.Errorf("boundary %q does not start with %q", boundary, "Boundary")
	}
	if boundary == "Boundary" {
		t.Error("boundary has no random suffix")
	}
	// 12 random bytes encode to 16 unpadded base64 characters.
	if want := len("Boundary") + 16; len(boundary) != want {
		t.Errorf("boundary %q has length %d, want %d", boundary, len(boundary), want)
	}
}

func TestNewBoundaryIsUnpredictable(t *testing.T) {
	a, err := NewBoundary()
	if err != nil {
		t.Fatalf("NewBoundary: %v", err)
	}
	b, err := NewBoundary()
	if err != nil {
		t.Fatalf("NewBoundary: %v", err)
	}
	if a == b {
		t.Error("two calls to NewBoundary produced the same value")
	}
}

func TestEncodeRoundTripsFieldsAndFiles(t *testing.T) {
	boundary, err := NewBoundary()
	if err != nil {
		t.Fatalf("NewBoundary: %v", err)
	}
	entries := []Entry{
		{Name: "title", Value: "hello"},
		{Name: "upload", IsFile: true, Filename: "a.txt", ContentType: "text/plain", Bytes: []byte("contents")},
	}

	encoded, contentType, err := Encode(entries, boundary)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		t.Fatalf("ParseMediaType: %v", err)
	}
	if params["boundary"] != boundary {
		t.Errorf("content-type boundary = %q, want %q", params["boundary"], boundary)
	}

	reader := multipart.NewReader(bytes.NewReader(encoded), boundary)
	form, err := reader.ReadForm(1 << 20)
	if err != nil {
		t.Fatalf("ReadForm: %v", err)
	}
	if got := form.Value["title"]; len(got) != 1 || got[0] != "hello" {
		t.Errorf("title field = %v, want [hello]", got)
	}
	if len(form.File["upload"]) != 1 {
		t.Fatalf("expected one file part for upload, got %d", len(form.File["upload"]))
	}
	fileHeader := form.File["upload"][0]
	if fileHeader.Filename != "a.txt" {
		t.Errorf("filename = %q, want a.txt", fileHeader.Filename)
	}
}

func TestEncodeUsesDefaultsForUnnamedFile(t *testing.T) {
	boundary, err := NewBoundary()
	if err != nil {
		t.Fatalf("NewBoundary: %v", err)
	}
	entries := []Entry{{Name: "blob", IsFile: true, Bytes: []byte("x")}}

	encoded, _, err := Encode(entries, boundary)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	reader := multipart.NewReader(bytes.NewReader(encoded), boundary)
	form, err := reader.ReadForm(1 << 20)
	if err != nil {
		t.Fatalf("ReadForm: %v", err)
	}
	fileHeader := form.File["blob"][0]
	if fileHeader.Filename != DefaultFilename {
		t.Errorf("filename = %q, want %q", fileHeader.Filename, DefaultFilename)
	}
	if got := fileHeader.Header.Get("Content-Type"); got != DefaultContentType {
		t.Errorf("content-type = %q, want %q", got, DefaultContentType)
	}
}
