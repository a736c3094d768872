// Package ingest turns the files of the documents folder into chunks ready
// for embedding.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
)

// ErrUnsupported is returned for files no loader handles.
var ErrUnsupported = errors.New("unsupported document type")

// documentNamespace scopes document IDs derived from file paths.
var documentNamespace = uuid.MustParse("6f1d8a3e-2c4b-5e7a-9b1c-3d5e7f9a1b2c")

// Document is the text of one file, or of one page for paged formats.
type Document struct {
	ID      string
	Name    string
	Path    string
	Page    int // 1-based; 0 for formats without pages
	Content string
}

type Loader interface {
	Load(ctx context.Context, path string) ([]Document, error)
	SupportedExtensions() []string
}

func documentID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return uuid.NewSHA1(documentNamespace, []byte(filepath.ToSlash(abs))).String()
}

// TextLoader loads plain text documents (.txt, .md).
type TextLoader struct{}

func NewTextLoader() *TextLoader {
	return &TextLoader{}
}

func (l *TextLoader) Load(ctx context.Context, path string) ([]Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return []Document{{
		ID:      documentID(path),
		Name:    filepath.Base(path),
		Path:    path,
		Content: string(content),
	}}, nil
}

func (l *TextLoader) SupportedExtensions() []string {
	return []string{".txt", ".md", ".markdown"}
}

// PDFLoader extracts the plain text of every page of a PDF.
type PDFLoader struct{}

func NewPDFLoader() *PDFLoader {
	return &PDFLoader{}
}

func (l *PDFLoader) Load(ctx context.Context, path string) ([]Document, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	id := documentID(path)
	name := filepath.Base(path)
	docs := make([]Document, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		docs = append(docs, Document{ID: id, Name: name, Path: path, Page: i, Content: text})
	}
	return docs, nil
}

func (l *PDFLoader) SupportedExtensions() []string {
	return []string{".pdf"}
}

// MultiLoader dispatches on file extension.
type MultiLoader struct {
	loaders map[string]Loader
}

func NewMultiLoader() *MultiLoader {
	m := &MultiLoader{loaders: make(map[string]Loader)}
	for _, l := range []Loader{NewTextLoader(), NewPDFLoader()} {
		for _, ext := range l.SupportedExtensions() {
			m.loaders[ext] = l
		}
	}
	return m
}

func (m *MultiLoader) Supports(path string) bool {
	_, ok := m.loaders[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (m *MultiLoader) Load(ctx context.Context, path string) ([]Document, error) {
	loader, ok := m.loaders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(path))
	}
	return loader.Load(ctx, path)
}

func (m *MultiLoader) SupportedExtensions() []string {
	exts := make([]string, 0, len(m.loaders))
	for ext := range m.loaders {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// FileInfo describes a document file on disk.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ListDirectory returns the supported files of dir in name order.
func ListDirectory(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	m := NewMultiLoader()
	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() || !m.Supports(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		files = append(files, FileInfo{Name: e.Name(), Size: info.Size()})
	}
	return files, nil
}

// LoadDirectory loads every supported file directly inside dir, in name
// order. Unsupported files are ignored.
func LoadDirectory(ctx context.Context, dir string) ([]Document, error) {
	files, err := ListDirectory(dir)
	if err != nil {
		return nil, fmt.Errorf("reading documents folder: %w", err)
	}
	m := NewMultiLoader()
	var docs []Document
	for _, f := range files {
		loaded, err := m.Load(ctx, filepath.Join(dir, f.Name))
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", f.Name, err)
		}
		docs = append(docs, loaded...)
	}
	log.Printf("Loaded %d documents from %d files in %s", len(docs), len(files), dir)
	return docs, nil
}

// SaveUpload writes r into dir under the base name of name. The file
// appears atomically; an existing file with the same name is replaced.
func SaveUpload(dir, name string, r io.Reader) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if !NewMultiLoader().Supports(base) {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, base)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	tmp := filepath.Join(dir, "."+uuid.NewString()+".upload")
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	dest := filepath.Join(dir, base)
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return dest, nil
}
