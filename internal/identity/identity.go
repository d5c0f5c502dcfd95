// Package identity encodes the composite ids reported to the peer for local
// notifications so a later close request can be routed to the owning backend.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

type Category string

const (
	CategoryFDO Category = "fdo"
	CategoryGTK Category = "gtk"

	sep = "|"
)

var (
	ErrInvalidSegment    = errors.New("identity: segment contains separator")
	ErrMalformedIdentity = errors.New("identity: malformed composite id")
)

// Encode joins the three fields. category and appID must not contain "|";
// localID may, since Decode treats everything after the second "|" as localID.
func Encode(category Category, appID, localID string) (string, error) {
	if strings.Contains(string(category), sep) {
		return "", fmt.Errorf("%w: category %q", ErrInvalidSegment, category)
	}
	if category != CategoryFDO && category != CategoryGTK {
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidSegment, category)
	}
	if strings.Contains(appID, sep) {
		return "", fmt.Errorf("%w: application %q", ErrInvalidSegment, appID)
	}
	if appID == "" || localID == "" {
		return "", fmt.Errorf("%w: empty segment", ErrInvalidSegment)
	}
	return string(category) + sep + appID + sep + localID, nil
}

func Decode(composite string) (Category, string, string, error) {
	parts := strings.SplitN(composite, sep, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrMalformedIdentity, composite)
	}
	category := Category(parts[0])
	switch category {
	case CategoryFDO, CategoryGTK:
	default:
		return "", "", "", fmt.Errorf("%w: unknown category %q", ErrMalformedIdentity, parts[0])
	}
	return category, parts[1], parts[2], nil
}

// ReplyID is the local id of a repliable remote notification. It is a plain
// two-part join and never passes through Decode.
func ReplyID(baseID, requestReplyID string) string {
	return baseID + sep + requestReplyID
}
