package attachment

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/tcmigrate/tcmigrate/internal/errclass"
	"github.com/tcmigrate/tcmigrate/internal/provider"
)

// compressImage re-encodes an image as JPEG at the given quality. The
// result is used only when strictly smaller than the input; otherwise
// the original attachment is returned unchanged with compressed=false.
func compressImage(att *provider.Attachment, quality int) (*provider.Attachment, bool, error) {
	img, _, err := image.Decode(bytes.NewReader(att.Content))
	if err != nil {
		return nil, false, errclass.Wrap(errclass.KindConversion, err, "decoding image %s", att.Name)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, false, errclass.Wrap(errclass.KindConversion, err, "re-encoding image %s", att.Name)
	}

	if int64(buf.Len()) >= int64(len(att.Content)) {
		return att, false, nil
	}

	name := att.Name
	if ext := filepath.Ext(name); !strings.EqualFold(ext, ".jpg") && !strings.EqualFold(ext, ".jpeg") {
		name = strings.TrimSuffix(name, ext) + ".jpg"
	}
	return &provider.Attachment{
		ID:        att.ID,
		Name:      name,
		MimeType:  "image/jpeg",
		SizeBytes: int64(buf.Len()),
		Content:   buf.Bytes(),
	}, true, nil
}

// isImage reports whether the mime type is one the compressor handles.
func isImage(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/png":
		return true
	}
	return false
}
