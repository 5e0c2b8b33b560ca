// Package identity derives the content-addressed identifier of an event.
//
// The identifier is the single key shared by the snapshot, the published
// calendar UIDs and the cancellation UIDs. Changing the field order, the
// separator or the encoding here breaks matching against every snapshot
// written before the change.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"calsync/internal/model"
)

// Separator joins subject, start and end before hashing.
const Separator = "|"

// DefaultDomain is appended to identifiers to form calendar UIDs.
const DefaultDomain = "calsync.local"

// Identify returns the lowercase hex sha256 of subject|start|end.
// Location and body are deliberately not part of the digest.
func Identify(r model.EventRecord) string {
	return Of(r.Subject, r.Start, r.End)
}

// Of is Identify for callers that only hold the three identity fields.
func Of(subject, start, end string) string {
	sum := sha256.Sum256([]byte(subject + Separator + start + Separator + end))
	return hex.EncodeToString(sum[:])
}

// UID renders an identifier as an iCalendar UID.
func UID(id, domain string) string {
	if domain == "" {
		domain = DefaultDomain
	}
	return id + "@" + domain
}

// FromUID strips the domain part of a UID produced by UID.
func FromUID(uid string) string {
	if i := strings.LastIndexByte(uid, '@'); i >= 0 {
		return uid[:i]
	}
	return uid
}
