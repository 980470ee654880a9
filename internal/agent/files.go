package agent

import (
	"encoding/base64"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/3cpo-dev/nodewarden/pkg/api"
)

const maxFileBytes = 16 << 20

// resolve maps a client path onto the server root. The result never leaves
// root, whatever the input.
func resolve(root, p string) (string, string, error) {
	if strings.TrimSpace(p) == "" {
		return "", "", badRequest("path is required")
	}
	if strings.ContainsRune(p, 0) {
		return "", "", badRequest("path contains a NUL byte")
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", "", badRequest("path must not contain ..")
		}
	}
	clean := path.Clean("/" + filepath.ToSlash(p))
	full := filepath.Join(root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", badRequest("path escapes the server directory")
	}
	return full, clean, nil
}

func entryFor(clean string, info fs.FileInfo) api.FileEntry {
	return api.FileEntry{
		Name:    info.Name(),
		Path:    clean,
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime().UTC(),
	}
}

func fsError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return notFound("no such file or directory")
	case errors.Is(err, fs.ErrExist):
		return conflict("file already exists")
	case errors.Is(err, fs.ErrPermission):
		return &opError{status: http.StatusForbidden, msg: "permission denied"}
	}
	return err
}

func (s *Server) listFiles(inst *instance, req request) (any, error) {
	var p api.FilePathPayload
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		p.Path = "/"
	}
	full, clean, err := resolve(inst.root, p.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fsError(err)
	}
	out := make([]api.FileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, entryFor(path.Join(clean, e.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func readRegular(full string) ([]byte, fs.FileInfo, error) {
	info, err := os.Stat(full)
	if err != nil {
		return nil, nil, fsError(err)
	}
	if info.IsDir() {
		return nil, nil, badRequest("path is a directory")
	}
	if info.Size() > maxFileBytes {
		return nil, nil, badRequest("file is too large")
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, nil, fsError(err)
	}
	return data, info, nil
}

func (s *Server) readFile(inst *instance, req request) (any, error) {
	var p api.FilePathPayload
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	full, clean, err := resolve(inst.root, p.Path)
	if err != nil {
		return nil, err
	}
	data, info, err := readRegular(full)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, badRequest("file is not valid utf-8; use download")
	}
	return api.FileContent{Path: clean, Content: string(data), Encoding: api.EncodingUTF8, Size: info.Size()}, nil
}

func (s *Server) downloadFile(inst *instance, req request) (any, error) {
	var p api.FilePathPayload
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	full, clean, err := resolve(inst.root, p.Path)
	if err != nil {
		return nil, err
	}
	data, info, err := readRegular(full)
	if err != nil {
		return nil, err
	}
	return api.FileContent{
		Path:     clean,
		Content:  base64.StdEncoding.EncodeToString(data),
		Encoding: api.EncodingBase64,
		Size:     info.Size(),
	}, nil
}

// writeFile serves both files/write and files/upload.
func (s *Server) writeFile(inst *instance, req request) (any, error) {
	var p api.FileWritePayload
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	full, clean, err := resolve(inst.root, p.Path)
	if err != nil {
		return nil, err
	}
	if clean == "/" {
		return nil, badRequest("path is a directory")
	}

	var data []byte
	switch p.Encoding {
	case "", api.EncodingUTF8:
		data = []byte(p.Content)
	case api.EncodingBase64:
		data, err = base64.StdEncoding.DecodeString(p.Content)
		if err != nil {
			return nil, badRequest("content is not valid base64")
		}
	default:
		return nil, badRequest("encoding must be utf8 or base64")
	}
	if len(data) > maxFileBytes {
		return nil, badRequest("file is too large")
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fsError(err)
	}
	tmp := full + ".nwtmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fsError(err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return nil, fsError(err)
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fsError(err)
	}
	return entryFor(clean, info), nil
}

func (s *Server) mkdir(inst *instance, req request) (any, error) {
	var p api.FilePathPayload
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	full, clean, err := resolve(inst.root, p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return nil, fsError(err)
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fsError(err)
	}
	return entryFor(clean, info), nil
}

func (s *Server) deleteFile(inst *instance, req request) (any, error) {
	var p api.FilePathPayload
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	full, clean, err := resolve(inst.root, p.Path)
	if err != nil {
		return nil, err
	}
	if clean == "/" {
		return nil, badRequest("refusing to delete the server root")
	}
	if _, err := os.Lstat(full); err != nil {
		return nil, fsError(err)
	}
	if err := os.RemoveAll(full); err != nil {
		return nil, fsError(err)
	}
	return map[string]string{"deleted": clean}, nil
}

func (s *Server) renameFile(inst *instance, req request) (any, error) {
	var p api.FileRenamePayload
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	from, fromClean, err := resolve(inst.root, p.OldPath)
	if err != nil {
		return nil, err
	}
	to, toClean, err := resolve(inst.root, p.NewPath)
	if err != nil {
		return nil, err
	}
	if fromClean == "/" || toClean == "/" {
		return nil, badRequest("cannot rename the server root")
	}
	if _, err := os.Stat(to); err == nil {
		return nil, conflict("destination already exists")
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return nil, fsError(err)
	}
	if err := os.Rename(from, to); err != nil {
		return nil, fsError(err)
	}
	info, err := os.Stat(to)
	if err != nil {
		return nil, fsError(err)
	}
	return entryFor(toClean, info), nil
}

func (s *Server) fileInfo(inst *instance, req request) (any, error) {
	var p api.FilePathPayload
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	full, clean, err := resolve(inst.root, p.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fsError(err)
	}
	return entryFor(clean, info), nil
}
