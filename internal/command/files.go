package command

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/3cpo-dev/nodewarden/pkg/api"
)

const (
	ActionFilesList     = "files/list"
	ActionFilesRead     = "files/read"
	ActionFilesWrite    = "files/write"
	ActionFilesMkdir    = "files/mkdir"
	ActionFilesDelete   = "files/delete"
	ActionFilesRename   = "files/rename"
	ActionFilesDownload = "files/download"
	ActionFilesUpload   = "files/upload"
	ActionFilesInfo     = "files/info"
)

// ValidatePath rejects empty paths and any path with a ".." segment. Paths are
// relative to the server root on the agent; a leading slash is allowed.
func ValidatePath(field, p string) error {
	if strings.TrimSpace(p) == "" {
		return ValidationError{Field: field, Message: "path is required"}
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return ValidationError{Field: field, Value: p, Message: "path must not contain .."}
		}
	}
	if strings.ContainsRune(p, 0) {
		return ValidationError{Field: field, Message: "path contains a NUL byte"}
	}
	return nil
}

// ListFiles lists a directory; an empty path means the server root.
func (s *Service) ListFiles(ctx context.Context, nodeUUID, serverUUID, path string) api.CommandResult {
	if path == "" {
		path = "/"
	}
	return s.pathOp(ctx, nodeUUID, serverUUID, ActionFilesList, path)
}

func (s *Service) ReadFile(ctx context.Context, nodeUUID, serverUUID, path string) api.CommandResult {
	return s.pathOp(ctx, nodeUUID, serverUUID, ActionFilesRead, path)
}

// WriteFile replaces the file with UTF-8 text content.
func (s *Service) WriteFile(ctx context.Context, nodeUUID, serverUUID, path, content string) api.CommandResult {
	payload := api.FileWritePayload{Path: path, Content: content, Encoding: api.EncodingUTF8}
	return s.dispatch(ctx, nodeUUID, api.Command{Action: ActionFilesWrite, ServerID: serverUUID, Payload: payload}, all(
		func() error { return requireServer(serverUUID) },
		func() error { return ValidatePath("path", path) },
	))
}

func (s *Service) CreateDirectory(ctx context.Context, nodeUUID, serverUUID, path string) api.CommandResult {
	return s.pathOp(ctx, nodeUUID, serverUUID, ActionFilesMkdir, path)
}

func (s *Service) DeleteFile(ctx context.Context, nodeUUID, serverUUID, path string) api.CommandResult {
	return s.pathOp(ctx, nodeUUID, serverUUID, ActionFilesDelete, path)
}

func (s *Service) RenameFile(ctx context.Context, nodeUUID, serverUUID, oldPath, newPath string) api.CommandResult {
	payload := api.FileRenamePayload{OldPath: oldPath, NewPath: newPath}
	return s.dispatch(ctx, nodeUUID, api.Command{Action: ActionFilesRename, ServerID: serverUUID, Payload: payload}, all(
		func() error { return requireServer(serverUUID) },
		func() error { return ValidatePath("oldPath", oldPath) },
		func() error { return ValidatePath("newPath", newPath) },
	))
}

// DownloadFile returns the file content base64 encoded in a FileContent.
func (s *Service) DownloadFile(ctx context.Context, nodeUUID, serverUUID, path string) api.CommandResult {
	return s.pathOp(ctx, nodeUUID, serverUUID, ActionFilesDownload, path)
}

// UploadFile writes content in the given encoding (utf8 or base64). Base64
// content is checked before it is sent.
func (s *Service) UploadFile(ctx context.Context, nodeUUID, serverUUID, path, content, encoding string) api.CommandResult {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "" {
		encoding = api.EncodingUTF8
	}
	payload := api.FileWritePayload{Path: path, Content: content, Encoding: encoding}
	return s.dispatch(ctx, nodeUUID, api.Command{Action: ActionFilesUpload, ServerID: serverUUID, Payload: payload}, all(
		func() error { return requireServer(serverUUID) },
		func() error { return ValidatePath("path", path) },
		func() error {
			switch encoding {
			case api.EncodingUTF8:
				return nil
			case api.EncodingBase64:
				if _, err := base64.StdEncoding.DecodeString(content); err != nil {
					return ValidationError{Field: "content", Message: "content is not valid base64"}
				}
				return nil
			default:
				return ValidationError{Field: "encoding", Value: encoding, Message: "encoding must be utf8 or base64"}
			}
		},
	))
}

func (s *Service) GetFileInfo(ctx context.Context, nodeUUID, serverUUID, path string) api.CommandResult {
	return s.pathOp(ctx, nodeUUID, serverUUID, ActionFilesInfo, path)
}

func (s *Service) pathOp(ctx context.Context, nodeUUID, serverUUID, action, path string) api.CommandResult {
	cmd := api.Command{Action: action, ServerID: serverUUID, Payload: api.FilePathPayload{Path: path}}
	return s.dispatch(ctx, nodeUUID, cmd, all(
		func() error { return requireServer(serverUUID) },
		func() error { return ValidatePath("path", path) },
	))
}
