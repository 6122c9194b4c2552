package report

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/stratusanalytics/relay/errors"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(goldmarkhtml.WithHardWraps()),
)

// ConvertHTML renders a markdown report as a self-contained HTML document
// suitable for mailing.
func ConvertHTML(source []byte) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert(source, &body); err != nil {
		return nil, errors.Wrap(err, "render report markdown")
	}

	var doc bytes.Buffer
	doc.WriteString("<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"></head>\n<body>\n")
	doc.Write(body.Bytes())
	doc.WriteString("\n</body>\n</html>\n")
	return doc.Bytes(), nil
}
