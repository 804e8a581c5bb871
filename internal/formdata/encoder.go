package formdata

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// File is one file part to encode: the remote path it is destined for and a
// reader producing its bytes.
type File struct {
	Path   string
	Source io.Reader
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, `\"`)

// Encode builds a lazily-generated multipart/form-data stream carrying the
// given JSON request part followed by the file parts, and returns it with the
// matching Content-Type header value. File contents are copied through as the
// consumer reads; nothing is buffered whole.
//
// The returned reader must be fully consumed or closed, otherwise the
// producing goroutine leaks.
func Encode(requestJSON []byte, files []File) (io.ReadCloser, string) {
	boundary := strings.ReplaceAll(uuid.New().String(), "-", "")
	contentType := "multipart/form-data; boundary=" + boundary

	pr, pw := io.Pipe()
	go func() {
		err := writeParts(pw, boundary, requestJSON, files)
		pw.CloseWithError(err)
	}()
	return pr, contentType
}

func writeParts(w io.Writer, boundary string, requestJSON []byte, files []File) error {
	_, err := fmt.Fprintf(w,
		"--%s\r\nContent-Disposition: form-data; name=\"request\"\r\nContent-Type: application/json\r\n\r\n",
		boundary)
	if err != nil {
		return err
	}
	if _, err := w.Write(requestJSON); err != nil {
		return err
	}
	for _, f := range files {
		_, err := fmt.Fprintf(w,
			"\r\n--%s\r\nContent-Disposition: form-data; name=\"files\"; filename=\"%s\"\r\n\r\n",
			boundary, quoteEscaper.Replace(f.Path))
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, f.Source); err != nil {
			return fmt.Errorf("streaming %s: %w", f.Path, err)
		}
	}
	_, err = fmt.Fprintf(w, "\r\n--%s--\r\n", boundary)
	return err
}
