package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

const uploadPath = "/action/upload"

// Upload waits the upload delay, then streams the file as the multipart
// field "data" and returns the platform's reference to the stored file.
func (s *Session) Upload(ctx context.Context, path string) (json.RawMessage, error) {
	if err := s.clock.Sleep(ctx, s.uploadDelay); err != nil {
		return nil, &UploadError{Path: path, Err: err}
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, &UploadError{Path: path, Err: err}
	}
	defer file.Close()

	fullURL, err := s.ResolveURL(uploadPath, nil)
	if err != nil {
		return nil, &UploadError{Path: path, Err: err}
	}

	reader, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		writer.CloseWithError(writeFilePart(form, path, file))
	}()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, reader)
	if err != nil {
		reader.Close()
		return nil, &UploadError{Path: path, Err: err}
	}
	request.Header.Set("Content-Type", form.FormDataContentType())
	request.Header.Set("Accept", "application/json")

	s.logger.Info("uploading file", "path", path, "url", fullURL)
	response, err := s.send(request)
	reader.Close()
	if err != nil {
		return nil, &UploadError{Path: path, Err: &TransportError{Method: http.MethodPost, URL: fullURL, Err: err}}
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, &UploadError{Path: path, Err: &StatusError{Method: http.MethodPost, URL: fullURL, StatusCode: response.StatusCode, Body: response.Body}}
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := response.Decode(&envelope); err != nil {
		return nil, &UploadError{Path: path, Err: err}
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, &UploadError{Path: path, Err: fmt.Errorf("upload response has no data field")}
	}
	return envelope.Data, nil
}

func writeFilePart(form *multipart.Writer, path string, file io.Reader) error {
	name := filepath.Base(path)
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="data"; filename=%q`, name))
	header.Set("Content-Type", contentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return form.Close()
}
