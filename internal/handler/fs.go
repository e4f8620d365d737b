package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// blobPath resolves a payload-supplied relative path under baseDir. Absolute
// paths and any ".." component are refused; the handler never reads or
// writes outside its sandbox.
func blobPath(baseDir, rel string) (string, *Fault) {
	if rel == "" {
		return "", Faultf("MISSING_PATH", "missing 'path' in payload")
	}
	if filepath.IsAbs(rel) || strings.Contains(rel, "..") {
		return "", Faultf("INVALID_PATH", "path traversal or absolute path not allowed")
	}
	return filepath.Join(baseDir, filepath.FromSlash(rel)), nil
}

func fsBlobGet(baseDir string) Func {
	return func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, Faultf("INVALID_PARAMS", "decoding fs_blob_get params: %v", err)
		}
		full, fault := blobPath(baseDir, p.Path)
		if fault != nil {
			return nil, fault
		}

		content, err := os.ReadFile(full)
		if err != nil {
			return nil, Faultf("FILE_READ_ERROR", "%v", err)
		}

		out, err := json.Marshal(map[string]any{
			"path":  p.Path,
			"bytes": base64.StdEncoding.EncodeToString(content),
			"size":  len(content),
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func fsBlobPut(baseDir string) Func {
	return func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Path    string  `json:"path"`
			Bytes   *string `json:"bytes"`
			Content *string `json:"content"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, Faultf("INVALID_PARAMS", "decoding fs_blob_put params: %v", err)
		}
		full, fault := blobPath(baseDir, p.Path)
		if fault != nil {
			return nil, fault
		}

		var content []byte
		switch {
		case p.Bytes != nil:
			decoded, err := base64.StdEncoding.DecodeString(*p.Bytes)
			if err != nil {
				return nil, Faultf("BASE64_DECODE_ERROR", "%v", err)
			}
			content = decoded
		case p.Content != nil:
			content = []byte(*p.Content)
		default:
			return nil, Faultf("MISSING_CONTENT", "missing 'bytes' (base64) or 'content' (string) in payload")
		}

		if dir := filepath.Dir(full); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, Faultf("DIR_CREATE_ERROR", "%v", err)
			}
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return nil, Faultf("FILE_WRITE_ERROR", "%v", err)
		}

		out, err := json.Marshal(map[string]any{
			"path": p.Path,
			"size": len(content),
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}
