package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// A .docx file is a ZIP whose main body lives (by default) at word/document.xml.
// [Content_Types].xml may relocate it, so we look the part name up first.
const (
	defaultDocxBodyPath  = "word/document.xml"
	ooxmlContentTypes    = "[Content_Types].xml"
	docxBodyContentType  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
)

// textNode matches <w:t>...</w:t> including variants with attributes such as
// xml:space="preserve". Pulling every text node keeps content searchable regardless
// of paragraph and run attributes.
var textNode = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)

var bodyPartName = regexp.MustCompile(
	`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(docxBodyContentType) + `"`)

// bodyPartNameAlt handles ContentType appearing before PartName.
var bodyPartNameAlt = regexp.MustCompile(
	`<Override[^>]+ContentType="` + regexp.QuoteMeta(docxBodyContentType) + `"[^>]+PartName="([^"]+)"`)

func extractDOCX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("extract DOCX: not a zip: %w", err)
	}

	bodyPath := docxBodyPath(zr)
	body, err := readZipFile(zr, bodyPath)
	if err != nil {
		return "", fmt.Errorf("extract DOCX: %w", err)
	}

	parts := textNode.FindAllStringSubmatch(string(body), -1)
	if len(parts) == 0 {
		return "", nil
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strings.TrimSpace(p[1]))
	}
	return strings.TrimSpace(b.String()), nil
}

// docxBodyPath resolves the main document part from [Content_Types].xml, falling back
// to the conventional location.
func docxBodyPath(zr *zip.Reader) string {
	data, err := readZipFile(zr, ooxmlContentTypes)
	if err != nil {
		return defaultDocxBodyPath
	}
	content := string(data)
	if m := bodyPartName.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimPrefix(m[1], "/")
	}
	if m := bodyPartNameAlt.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimPrefix(m[1], "/")
	}
	return defaultDocxBodyPath
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%s not found", name)
}
