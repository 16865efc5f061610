package filefilter

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/sessionchat/pkg/chat"
	"github.com/pkg/errors"
)

// LoadAttachments collects and reads the given paths into attachments.
func (f *Filter) LoadAttachments(paths []string) ([]chat.Attachment, error) {
	files, err := f.Collect(paths)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Attachment, 0, len(files))
	for _, p := range files {
		a, err := ReadAttachment(p)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ReadAttachment reads one file without filtering it.
func ReadAttachment(path string) (chat.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chat.Attachment{}, errors.Wrapf(err, "read attachment %s", path)
	}
	return chat.Attachment{
		Name:        filepath.Base(path),
		ContentType: ContentType(path, data),
		Data:        data,
	}, nil
}

// ContentType guesses from the extension first and sniffs the content otherwise.
func ContentType(path string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
