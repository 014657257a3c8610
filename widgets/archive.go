package widgets

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/nwaples/rardecode/v2"

	"cognita_back/faults"
	"cognita_back/ocr"
)

const maxArchiveMembers = 100

type archiveMember struct {
	Name string
	Data []byte
}

func isArchiveName(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".zip", ".rar":
		return true
	}
	return false
}

// mediaTypeForName maps an archive member or upload to its declared
// media type. Archives carry no per-member content type, so the
// extension is all there is.
func mediaTypeForName(name string) string {
	if mediaType := mime.TypeByExtension(strings.ToLower(path.Ext(name))); mediaType != "" {
		return mediaType
	}
	return "application/octet-stream"
}

// sanitizeMemberName normalizes an archive entry path. Empty string
// means skip the entry; an error rejects the whole archive, since a
// traversal attempt taints everything alongside it.
func sanitizeMemberName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", nil
	}
	normalized := strings.ReplaceAll(trimmed, "\\", "/")
	normalized = path.Clean(normalized)
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "." || normalized == "" {
		return "", nil
	}
	if normalized == ".." || strings.HasPrefix(normalized, "../") || path.IsAbs(normalized) {
		return "", faults.Errorf(faults.CodeInvalidInput, "archive entry %q uses an unsafe path", name)
	}
	if strings.HasPrefix(strings.ToLower(normalized), "__macosx/") {
		return "", nil
	}
	if strings.HasPrefix(path.Base(normalized), ".") {
		return "", nil
	}
	return normalized, nil
}

// expandArchive lists the supported members of a zip or rar upload.
// Unsupported file types are skipped; directories, resource forks and
// dotfiles too. Each member is capped at memberLimit bytes.
func expandArchive(name string, data []byte, memberLimit int64) ([]archiveMember, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".zip":
		return expandZip(data, memberLimit)
	case ".rar":
		return expandRar(data, memberLimit)
	}
	return nil, faults.Errorf(faults.CodeInvalidInput, "unsupported archive %q", name)
}

func expandZip(data []byte, memberLimit int64) ([]archiveMember, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, faults.Wrap(faults.CodeInvalidInput, "could not read zip archive", err)
	}

	var members []archiveMember
	for _, file := range reader.File {
		cleaned, err := sanitizeMemberName(file.Name)
		if err != nil {
			return nil, err
		}
		if cleaned == "" || file.FileInfo().IsDir() {
			continue
		}
		if !ocr.Supported("", cleaned) {
			continue
		}
		if len(members) >= maxArchiveMembers {
			return nil, faults.Errorf(faults.CodeInvalidInput, "archive holds more than %d documents", maxArchiveMembers)
		}

		rc, err := file.Open()
		if err != nil {
			return nil, faults.Wrap(faults.CodeInvalidInput, "could not read zip archive", err)
		}
		content, err := readMember(rc, cleaned, memberLimit)
		rc.Close()
		if err != nil {
			return nil, err
		}
		members = append(members, archiveMember{Name: path.Base(cleaned), Data: content})
	}
	return members, nil
}

func expandRar(data []byte, memberLimit int64) ([]archiveMember, error) {
	reader, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, faults.Wrap(faults.CodeInvalidInput, "could not read rar archive", err)
	}

	var members []archiveMember
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, faults.Wrap(faults.CodeInvalidInput, "could not read rar archive", err)
		}

		cleaned, sanErr := sanitizeMemberName(header.Name)
		if sanErr != nil {
			return nil, sanErr
		}
		if cleaned == "" || header.IsDir || !ocr.Supported("", cleaned) {
			continue
		}
		if len(members) >= maxArchiveMembers {
			return nil, faults.Errorf(faults.CodeInvalidInput, "archive holds more than %d documents", maxArchiveMembers)
		}

		content, err := readMember(reader, cleaned, memberLimit)
		if err != nil {
			return nil, err
		}
		members = append(members, archiveMember{Name: path.Base(cleaned), Data: content})
	}
	return members, nil
}

func readMember(r io.Reader, name string, limit int64) ([]byte, error) {
	content, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, faults.Wrap(faults.CodeInvalidInput, "could not read archive entry", err)
	}
	if int64(len(content)) > limit {
		return nil, faults.Errorf(faults.CodeInvalidInput, "archive entry %q exceeds the %d byte limit", name, limit)
	}
	return content, nil
}
