// Package fingerprint computes the content hash used for change detection.
//
// Only the fields listed in TrackedFields participate. Sync metadata,
// remote progress, remote labels and timestamps are excluded so that
// writes coming back from the remote tracker never look like local edits.
package fingerprint

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/issuebridge/issuebridge/internal/types"
)

// Tracked field names, as they appear in the canonical form.
const (
	FieldProjectName = "project_name"
	FieldDescription = "description"
	FieldStatus      = "status"
	FieldOwner       = "owner"
	FieldSeverity    = "severity"
	FieldCategory    = "category"
)

// TrackedFields is the fixed set of fields covered by Hash, sorted.
var TrackedFields = []string{
	FieldCategory,
	FieldDescription,
	FieldOwner,
	FieldProjectName,
	FieldSeverity,
	FieldStatus,
}

// Fields returns the canonical string value of every tracked field.
// Absent values are the empty string.
func Fields(r *types.Record) map[string]string {
	if r == nil {
		r = &types.Record{}
	}
	severity := ""
	if r.Severity != 0 {
		severity = strconv.Itoa(r.Severity)
	}
	return map[string]string{
		FieldProjectName: r.ProjectName,
		FieldDescription: r.Description,
		FieldStatus:      string(r.Status),
		FieldOwner:       r.Owner,
		FieldSeverity:    severity,
		FieldCategory:    r.Category,
	}
}

// Hash returns the hex MD5 of the record's tracked fields encoded as a
// JSON object with sorted keys.
func Hash(r *types.Record) string {
	return HashFields(Fields(r))
}

// HashFields hashes an already canonicalized field map. Keys outside
// TrackedFields are ignored and missing keys hash as "".
func HashFields(fields map[string]string) string {
	canon := make(map[string]string, len(TrackedFields))
	for _, k := range TrackedFields {
		canon[k] = fields[k]
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json sorts map keys, and a map[string]string cannot fail to encode.
	_ = enc.Encode(canon)

	sum := md5.Sum(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:])
}

// Diff lists the tracked fields whose values differ between a and b, in
// TrackedFields order.
func Diff(a, b *types.Record) []string {
	fa, fb := Fields(a), Fields(b)
	var changed []string
	for _, k := range TrackedFields {
		if fa[k] != fb[k] {
			changed = append(changed, k)
		}
	}
	return changed
}
