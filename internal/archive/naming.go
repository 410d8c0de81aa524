package archive

import (
	"fmt"
	"path/filepath"
	"strings"

	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/shared/util"
)

var knownExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".pdf": true,
}

// EntryName derives the archive entry name for a record: the original name
// without a recognized extension, sanitized, plus the extension of its content type.
func EntryName(rec blobstore.Record) string {
	base := rec.Metadata.OriginalName
	if strings.TrimSpace(base) == "" {
		base = rec.Filename
	}
	base = filepath.Base(strings.ReplaceAll(base, `\`, "/"))
	if ext := filepath.Ext(base); knownExtensions[strings.ToLower(ext)] {
		base = strings.TrimSuffix(base, ext)
	}
	stem := util.SafeName(base)
	return stem + blobstore.ExtensionFor(rec.ContentType)
}

// namer hands out unique entry names within one archive.
type namer struct {
	used map[string]int
}

func newNamer() *namer {
	return &namer{used: map[string]int{}}
}

func (n *namer) unique(name string) string {
	key := strings.ToLower(name)
	count, taken := n.used[key]
	if !taken {
		n.used[key] = 1
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for {
		count++
		candidate := fmt.Sprintf("%s_%d%s", stem, count, ext)
		if _, clash := n.used[strings.ToLower(candidate)]; !clash {
			n.used[key] = count
			n.used[strings.ToLower(candidate)] = 1
			return candidate
		}
	}
}
