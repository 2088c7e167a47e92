package ingest

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestIngestSupportedFormats(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"notes.txt", []byte("hello world"), "hello world"},
		{"README.MD", []byte("# Title\n\nbody text"), "body text"},
		{"data.json", []byte(`{"b":1,"a":[true,"x"]}`), "\"a\": [\n    true,"},
		{"feed.xml", []byte(`<?xml version="1.0"?><!-- c --><root id="1"><item>a &amp; b</item></root>`), `<root id="1"><item>a &amp; b</item></root>`},
		{"report.docx", docxFixture(t, "First paragraph", "Second paragraph"), "First paragraph\nSecond paragraph"},
	}

	s := NewSplitter(DefaultChunkSize, DefaultChunkOverlap)
	for _, tc := range cases {
		chunks, err := s.Ingest(tc.name, tc.data)
		if err != nil {
			t.Fatalf("%s: Ingest: %v", tc.name, err)
		}
		if len(chunks) == 0 || strings.TrimSpace(chunks[0].Content) == "" {
			t.Fatalf("%s: expected a non-empty chunk, got=%v", tc.name, chunks)
		}
		if !strings.Contains(chunks[0].Content, tc.want) {
			t.Fatalf("%s: content: want substring %q got=%q", tc.name, tc.want, chunks[0].Content)
		}
		if chunks[0].Source != tc.name || chunks[0].Index != 0 {
			t.Fatalf("%s: metadata: got source=%q index=%d", tc.name, chunks[0].Source, chunks[0].Index)
		}
	}
}

func TestIngestUnsupportedType(t *testing.T) {
	s := NewSplitter(DefaultChunkSize, DefaultChunkOverlap)
	for _, name := range []string{"image.png", "archive.zip", "noext"} {
		_, err := s.Ingest(name, []byte("whatever"))
		if !errors.Is(err, ErrUnsupportedFileType) {
			t.Fatalf("%s: want ErrUnsupportedFileType got=%v", name, err)
		}
	}
}

func TestIngestInvalidContent(t *testing.T) {
	s := NewSplitter(DefaultChunkSize, DefaultChunkOverlap)
	if _, err := s.Ingest("broken.json", []byte("{")); err == nil {
		t.Fatalf("broken json: expected error")
	}
	if _, err := s.Ingest("broken.xml", []byte("<a><b></a>")); err == nil {
		t.Fatalf("broken xml: expected error")
	}
	if _, err := s.Ingest("fake.pdf", []byte("not a pdf")); err == nil {
		t.Fatalf("fake pdf: expected error")
	}
	if _, err := s.Ingest("fake.docx", []byte("not a zip")); err == nil {
		t.Fatalf("fake docx: expected error")
	}
	if _, err := s.Ingest("empty.txt", []byte("   \n")); !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("empty txt: want ErrEmptyDocument got=%v", err)
	}
}

func TestExtractRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)

	if _, err := Extract("ok.txt", []byte("content")); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := Extract("bad.json", []byte("{")); err == nil {
		t.Fatalf("Extract bad json: expected error")
	}

	left, _ := filepath.Glob(filepath.Join(dir, "upload-*"))
	if len(left) != 0 {
		t.Fatalf("temp files left behind: %v", left)
	}
}

func TestSplitOverlapsLongText(t *testing.T) {
	var b strings.Builder
	for i := 0; b.Len() < 5000; i++ {
		b.WriteString("word")
		b.WriteString(strings.Repeat("x", i%7))
		b.WriteByte(' ')
	}
	s := NewSplitter(1000, 250)
	chunks, err := s.Split("long.txt", []Document{{Content: b.String()}})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) < 5 {
		t.Fatalf("chunks: want >=5 got=%d", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c.Content)); n > 1000 {
			t.Fatalf("chunk %d too long: %d", i, n)
		}
		if c.Index != i {
			t.Fatalf("chunk %d index: got=%d", i, c.Index)
		}
	}
	// the start of each chunk should already appear at the tail of the previous one
	head := strings.Fields(chunks[1].Content)[0]
	if !strings.Contains(chunks[0].Content, head) {
		t.Fatalf("expected overlap between chunk 0 and 1")
	}
}

func TestRejoinDropsOverlap(t *testing.T) {
	words := make([]string, 0, 900)
	for i := 0; i < 900; i++ {
		words = append(words, fmt.Sprintf("w%d", i))
	}
	text := strings.Join(words, " ")
	s := NewSplitter(1000, 250)
	chunks, err := s.Split("long.txt", []Document{{Content: text}})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) < 5 {
		t.Fatalf("chunks: want >=5 got=%d", len(chunks))
	}
	if got := s.Rejoin(chunks); got != text {
		t.Fatalf("Rejoin: lengths want=%d got=%d", len(text), len(got))
	}
}

func TestRejoinSeparatesPagesAndFiles(t *testing.T) {
	s := NewSplitter(DefaultChunkSize, DefaultChunkOverlap)
	chunks := []Chunk{
		{Content: "page one", Source: "a.pdf", Page: 1},
		{Content: "page two", Source: "a.pdf", Page: 2},
		{Content: "notes", Source: "b.txt"},
		{Content: "no shared text", Source: "b.txt"},
	}
	want := "page one\n\npage two\n\nnotes\nno shared text"
	if got := s.Rejoin(chunks); got != want {
		t.Fatalf("Rejoin: want=%q got=%q", want, got)
	}
	if got := s.Rejoin(nil); got != "" {
		t.Fatalf("Rejoin(nil): want empty got=%q", got)
	}
}

func TestNewSplitterClampsOverlap(t *testing.T) {
	s := NewSplitter(100, 100)
	if s.overlap != 0 {
		t.Fatalf("overlap: want=0 got=%d", s.overlap)
	}
	if d := NewSplitter(0, -1); d.size != DefaultChunkSize || d.overlap != 0 {
		t.Fatalf("defaults: got size=%d overlap=%d", d.size, d.overlap)
	}
}

func docxFixture(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var body strings.Builder
	body.WriteString(`<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	body.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write([]byte(body.String())); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}
