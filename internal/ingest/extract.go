package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrEmptyDocument       = errors.New("no text could be extracted from document")
)

// Document is the text of one structural unit of an upload: a PDF page, or
// the whole file for every other format.
type Document struct {
	Content string
	Page    int // 1-based for PDFs, 0 otherwise
}

// Supported reports whether the file name has an extension Extract handles.
func Supported(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf", ".docx", ".txt", ".md", ".json", ".xml":
		return true
	}
	return false
}

// Extract decodes an uploaded file by extension. The bytes are spooled to a
// temporary file that is removed before Extract returns, on success or failure.
func Extract(filename string, data []byte) ([]Document, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !Supported(filename) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFileType, ext)
	}

	tmp, err := os.CreateTemp("", "upload-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}

	var docs []Document
	switch ext {
	case ".pdf":
		docs, err = extractPDF(path)
	case ".docx":
		docs, err = extractDOCX(path)
	case ".txt", ".md":
		docs, err = extractPlain(path)
	case ".json":
		docs, err = extractJSON(path)
	case ".xml":
		docs, err = extractXML(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", filename, err)
	}

	out := docs[:0]
	for _, d := range docs {
		if strings.TrimSpace(d.Content) != "" {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", filename, ErrEmptyDocument)
	}
	return out, nil
}

func extractPDF(path string) ([]Document, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pdf reader: %w", err)
	}
	defer f.Close()

	var docs []Document
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("pdf page %d: %w", i, err)
		}
		docs = append(docs, Document{Content: text, Page: i})
	}
	return docs, nil
}

func extractDOCX(path string) ([]Document, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("docx is not a zip container: %w", err)
	}
	defer zr.Close()

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return nil, fmt.Errorf("docx missing word/document.xml")
	}
	rc, err := body.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	text, err := docxText(rc)
	if err != nil {
		return nil, err
	}
	return []Document{{Content: text}}, nil
}

// docxText collects <w:t> runs, ending each <w:p> paragraph with a newline.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var out strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("docx xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				out.WriteByte('\t')
			case "br", "cr":
				out.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				out.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				out.Write(t)
			}
		}
	}
	return strings.TrimSpace(out.String()), nil
}

func extractPlain(path string) ([]Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []Document{{Content: string(b)}}, nil
}

func extractJSON(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []Document{{Content: strings.TrimRight(buf.String(), "\n")}}, nil
}

// extractXML validates the document and serialises its element tree back to a
// string. Prolog, comments and directives are dropped.
func extractXML(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	check := xml.NewDecoder(bytes.NewReader(data))
	for {
		if _, err := check.Token(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid xml: %w", err)
		}
	}

	var out strings.Builder
	dec := xml.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			out.WriteByte('<')
			out.WriteString(qualified(t.Name))
			for _, a := range t.Attr {
				out.WriteByte(' ')
				out.WriteString(qualified(a.Name))
				out.WriteString(`="`)
				out.WriteString(attrEscaper.Replace(a.Value))
				out.WriteByte('"')
			}
			out.WriteByte('>')
		case xml.EndElement:
			depth--
			out.WriteString("</")
			out.WriteString(qualified(t.Name))
			out.WriteByte('>')
		case xml.CharData:
			if depth > 0 {
				out.WriteString(textEscaper.Replace(string(t)))
			}
		}
	}
	return []Document{{Content: out.String()}}, nil
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}
