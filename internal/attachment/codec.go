// Package attachment turns uploaded files into the base64 payload the model
// accepts and keeps the raw bytes in memory for the life of the process.
package attachment

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxSize bounds a single attachment.
const MaxSize = 20 << 20

// EncodingError means the file could not be read or decoded. The send is
// aborted before anything is persisted.
type EncodingError struct {
	FileName string
	Err      error
}

func (e *EncodingError) Error() string {
	if e.FileName == "" {
		return fmt.Sprintf("encoding attachment: %v", e.Err)
	}
	return fmt.Sprintf("encoding attachment %q: %v", e.FileName, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

var errTooLarge = errors.New("attachment exceeds size limit")

// Kind is derived once from the mime type at ingestion.
type Kind int

const (
	KindOther Kind = iota
	KindImage
	KindPdf
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindPdf:
		return "pdf"
	default:
		return "other"
	}
}

func KindOf(mimeType string) Kind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return KindImage
	case mt == "application/pdf":
		return KindPdf
	default:
		return KindOther
	}
}

// File is an attachment after ingestion.
type File struct {
	Name     string
	MimeType string
	Kind     Kind
	Data     []byte
	// Encoded is Data in standard base64, without a data URL prefix.
	Encoded string
}

// Ingest reads an uploaded file into a File, deriving its Kind and its
// base64 payload without a data URL prefix.
func Ingest(name, mimeType string, r io.Reader) (*File, error) {
	data, err := readLimited(r)
	if err != nil {
		return nil, &EncodingError{FileName: name, Err: err}
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &File{
		Name:     name,
		MimeType: mimeType,
		Kind:     KindOf(mimeType),
		Data:     data,
		Encoded:  base64.StdEncoding.EncodeToString(data),
	}, nil
}

// DecodeDataURL accepts either a data URL ("data:image/png;base64,....") or a
// bare base64 payload. A mime type found in the URL wins over mimeType.
func DecodeDataURL(name, mimeType, payload string) (*File, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		header, body, ok := strings.Cut(payload, ",")
		if !ok {
			return nil, &EncodingError{FileName: name, Err: errors.New("malformed data URL")}
		}
		if !strings.HasSuffix(header, ";base64") {
			return nil, &EncodingError{FileName: name, Err: errors.New("data URL is not base64 encoded")}
		}
		if mt := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64"); mt != "" {
			mimeType = mt
		}
		payload = body
	}
	if payload == "" {
		return nil, &EncodingError{FileName: name, Err: errors.New("empty attachment")}
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxSize {
		return nil, &EncodingError{FileName: name, Err: errTooLarge}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &EncodingError{FileName: name, Err: err}
	}
	return Ingest(name, mimeType, bytes.NewReader(data))
}

func readLimited(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, errors.New("no file")
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxSize {
		return nil, errTooLarge
	}
	return data, nil
}
