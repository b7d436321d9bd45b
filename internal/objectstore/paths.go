// Package objectstore names and accesses the raw document bytes held in
// object storage.
package objectstore

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName reduces a client-supplied file name to a safe object name
// segment.
func SanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	base = unsafeNameChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "document"
	}
	return base
}

// ObjectPath returns the storage target for a File. It encodes the tenant,
// submission and file ids so an object can be traced back without a lookup.
func ObjectPath(tenantID, submissionID, fileID, name string) string {
	return fmt.Sprintf("tenants/%s/submissions/%s/files/%s/%s", tenantID, submissionID, fileID, SanitizeName(name))
}

// ParseObjectPath recovers the ids encoded by ObjectPath.
func ParseObjectPath(p string) (tenantID, submissionID, fileID string, err error) {
	parts := strings.Split(p, "/")
	if len(parts) != 7 || parts[0] != "tenants" || parts[2] != "submissions" || parts[4] != "files" {
		return "", "", "", fmt.Errorf("ParseObjectPath: unexpected layout %q", p)
	}
	return parts[1], parts[3], parts[5], nil
}

// URI returns the gs:// URI of an object.
func URI(bucket, object string) string {
	return "gs://" + bucket + "/" + object
}

// ParseURI splits a gs:// URI into bucket and object.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}
