package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gamedock/gamedock/pkg/protocol"
)

// ErrPathEscapes is returned for paths that resolve outside the served root.
var ErrPathEscapes = errors.New("path escapes the server directory")

// maxFileSize bounds file.read and file.write payloads.
const maxFileSize = 8 << 20

// junkEntries are directory names hidden from listings.
var junkEntries = map[string]bool{
	".git":       true,
	".svn":       true,
	".DS_Store":  true,
	"lost+found": true,
}

// FileService reads, writes, and lists files confined to one root directory.
// Every path is resolved relative to the root; traversal out of it is
// rejected before touching the filesystem.
type FileService struct {
	root string
}

// NewFileService serves files under root.
func NewFileService(root string) (*FileService, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &FileService{root: abs}, nil
}

// Root returns the served directory.
func (f *FileService) Root() string {
	return f.root
}

func (f *FileService) resolve(rel string) (string, error) {
	// A single leading slash re-roots "absolute" client paths under the
	// served directory; anything cleaning to a parent reference escapes.
	trimmed := strings.TrimPrefix(rel, "/")
	cleaned := filepath.Clean(trimmed)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrPathEscapes
	}
	full := filepath.Join(f.root, cleaned)
	if full != f.root && !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return "", ErrPathEscapes
	}
	return full, nil
}

// Read returns a file's contents.
func (f *FileService) Read(params protocol.FileReadParams) (protocol.FileReadResult, error) {
	full, err := f.resolve(params.Path)
	if err != nil {
		return protocol.FileReadResult{}, err
	}
	st, err := os.Stat(full)
	if err != nil {
		return protocol.FileReadResult{}, err
	}
	if st.IsDir() {
		return protocol.FileReadResult{}, fmt.Errorf("%s is a directory", params.Path)
	}
	if st.Size() > maxFileSize {
		return protocol.FileReadResult{}, fmt.Errorf("%s exceeds the %d byte read limit", params.Path, maxFileSize)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return protocol.FileReadResult{}, err
	}
	return protocol.FileReadResult{Path: params.Path, Content: data}, nil
}

// Write replaces a file's contents, creating parent directories as needed.
func (f *FileService) Write(params protocol.FileWriteParams) error {
	if len(params.Content) > maxFileSize {
		return fmt.Errorf("content exceeds the %d byte write limit", maxFileSize)
	}
	full, err := f.resolve(params.Path)
	if err != nil {
		return err
	}
	if full == f.root {
		return errors.New("cannot write the root directory")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, params.Content, 0o644)
}

// List returns the entries of a directory under the root.
func (f *FileService) List(params protocol.FileListParams) (protocol.FileListResult, error) {
	full, err := f.resolve(params.Path)
	if err != nil {
		return protocol.FileListResult{}, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return protocol.FileListResult{}, err
	}
	result := protocol.FileListResult{Path: params.Path, Entries: make([]protocol.FileEntry, 0, len(entries))}
	for _, entry := range entries {
		if junkEntries[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		result.Entries = append(result.Entries, protocol.FileEntry{
			Name:    entry.Name(),
			Size:    info.Size(),
			Dir:     entry.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	return result, nil
}
