package util

import (
	"crypto/sha1"
	"encoding/binary"
	"net/url"
	"path"
	"strings"
)

// ItemID derives the stable 64-bit identifier of a catalog entry from its
// display name and source URL. The same (name, url) pair always maps to the
// same id across runs.
func ItemID(name, url string) uint64 {
	hasher := sha1.New()
	hasher.Write([]byte(name))
	hasher.Write([]byte{0})
	hasher.Write([]byte(url))

	return binary.BigEndian.Uint64(hasher.Sum(nil))
}

var fnameReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", "_",
	"*", "_",
	"?", "_",
	"\"", "_",
	"<", "_",
	">", "_",
	"|", "_",
)

// NameToFileName turns a display name into a filename safe on common
// filesystems. The extension should include the leading dot.
func NameToFileName(name, ext string) string {
	return fnameReplacer.Replace(strings.TrimSpace(name)) + ext
}

// NameToDirName turns a category name into a directory name.
func NameToDirName(name string) string {
	return fnameReplacer.Replace(strings.TrimSpace(name))
}

// URLExt extracts the file extension from a URL path, ignoring the query
// string. Empty if the path has none.
func URLExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	return path.Ext(u.Path)
}
