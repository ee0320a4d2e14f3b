package attachment

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tcmigrate/tcmigrate/internal/errclass"
	"github.com/tcmigrate/tcmigrate/internal/provider"
)

// Converter rewrites an attachment into a format the target platform
// accepts. Implementations must leave the input untouched on failure.
type Converter interface {
	// CanConvert reports whether this converter handles the mime type.
	CanConvert(mimeType string) bool
	Convert(ctx context.Context, att *provider.Attachment) (*provider.Attachment, error)
}

// CommandConverter shells out to an external document converter
// (typically libreoffice or pandoc) producing PDF. The input and
// output paths are appended to Args.
type CommandConverter struct {
	Command   string
	Args      []string
	MimeTypes []string
}

// NewCommandConverter builds a converter for the given mime types.
func NewCommandConverter(command string, args, mimeTypes []string) *CommandConverter {
	return &CommandConverter{Command: command, Args: args, MimeTypes: mimeTypes}
}

func (c *CommandConverter) CanConvert(mimeType string) bool {
	if c == nil || c.Command == "" {
		return false
	}
	for _, m := range c.MimeTypes {
		if strings.EqualFold(m, mimeType) {
			return true
		}
	}
	return false
}

// Convert writes the attachment to a scratch file, runs the command
// with input and output paths appended, and returns the PDF result.
func (c *CommandConverter) Convert(ctx context.Context, att *provider.Attachment) (*provider.Attachment, error) {
	dir, err := os.MkdirTemp("", "tcmigrate-convert-")
	if err != nil {
		return nil, errclass.Wrap(errclass.KindConversion, err, "creating scratch dir for %s", att.Name)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, filepath.Base(att.Name))
	if err := os.WriteFile(in, att.Content, 0600); err != nil {
		return nil, errclass.Wrap(errclass.KindConversion, err, "staging %s", att.Name)
	}
	out := strings.TrimSuffix(in, filepath.Ext(in)) + ".pdf"

	args := append(append([]string{}, c.Args...), in, out)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, errclass.Wrap(errclass.KindConversion, err,
			"converting %s: %s", att.Name, strings.TrimSpace(string(output)))
	}

	content, err := os.ReadFile(out)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindConversion, err, "reading converted output for %s", att.Name)
	}
	if len(content) == 0 {
		return nil, errclass.New(errclass.KindConversion, "converter produced empty output for %s", att.Name)
	}

	name := strings.TrimSuffix(att.Name, filepath.Ext(att.Name)) + ".pdf"
	return &provider.Attachment{
		ID:        att.ID,
		Name:      name,
		MimeType:  "application/pdf",
		SizeBytes: int64(len(content)),
		Content:   content,
	}, nil
}
