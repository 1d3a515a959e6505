package correlator

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/raphi011/relay/internal/model"
)

// textExtensions are accepted for any payload detected as text.
var textExtensions = map[string]bool{
	".txt":  true,
	".log":  true,
	".csv":  true,
	".json": true,
	".xml":  true,
	".html": true,
	".htm":  true,
	".md":   true,
	".yaml": true,
	".yml":  true,
}

var extensionAliases = map[string]string{
	".jpeg": ".jpg",
	".tif":  ".tiff",
	".htm":  ".html",
	".yml":  ".yaml",
}

// ValidateArtifact checks that the file type suffix of name matches the
// detected content of payload. Names without a suffix are rejected.
func ValidateArtifact(name string, payload []byte) (model.Artifact, error) {
	ext := normalizeExt(filepath.Ext(name))
	if ext == "" || ext == "." {
		return model.Artifact{}, model.ArtifactRejectedError{Name: name, Reason: "display name has no file type suffix"}
	}

	if len(payload) == 0 {
		return model.Artifact{}, model.ArtifactRejectedError{Name: name, Reason: "empty payload"}
	}

	detected := mimetype.Detect(payload)

	if !matches(detected, ext) {
		return model.Artifact{}, model.ArtifactRejectedError{
			Name:   name,
			Reason: "suffix " + ext + " does not match content " + detected.String(),
		}
	}

	return model.Artifact{
		Name:    name,
		Kind:    kindOf(detected, ext),
		MIME:    detected.String(),
		Payload: payload,
		Size:    len(payload),
	}, nil
}

func matches(detected *mimetype.MIME, ext string) bool {
	for m := detected; m != nil; m = m.Parent() {
		if m.Extension() != "" && normalizeExt(m.Extension()) == ext {
			return true
		}
	}

	return textExtensions[ext] && isText(detected)
}

func isText(detected *mimetype.MIME) bool {
	for m := detected; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}

	return false
}

func kindOf(detected *mimetype.MIME, ext string) model.ArtifactKind {
	switch {
	case strings.HasPrefix(detected.String(), "image/"):
		return model.ArtifactScreenshot
	case ext == ".log":
		return model.ArtifactLog
	}

	return model.ArtifactFile
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)

	if alias, ok := extensionAliases[ext]; ok {
		return alias
	}

	return ext
}
