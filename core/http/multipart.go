package http

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
)

// ErrMalformedMultipart is the cause recorded for an unreadable
// multipart body.
var ErrMalformedMultipart = errors.New("http: malformed multipart body")

// FilePart is one uploaded file of a multipart body.
type FilePart struct {
	FieldName   string
	FileName    string
	ContentType string
	Header      textproto.MIMEHeader
	Data        []byte
}

// Multipart is a decoded multipart/form-data body.
type Multipart struct {
	Fields url.Values
	Files  []*FilePart
}

// File returns the first file uploaded under field, or nil.
func (m *Multipart) File(field string) *FilePart {
	for _, f := range m.Files {
		if f.FieldName == field {
			return f
		}
	}
	return nil
}

func parseMultipart(body []byte, boundary string) (*Multipart, error) {
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	m := &Multipart{Fields: url.Values{}}
	for {
		part, err := mr.NextRawPart()
		if err == io.EOF {
			return m, nil
		}
		if err != nil {
			return nil, errors.Join(ErrMalformedMultipart, err)
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, errors.Join(ErrMalformedMultipart, err)
		}

		if part.FileName() == "" {
			m.Fields.Add(part.FormName(), string(data))
			continue
		}
		m.Files = append(m.Files, &FilePart{
			FieldName:   part.FormName(),
			FileName:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Header:      part.Header,
			Data:        data,
		})
	}
}
