package message

import (
	"strings"

	"github.com/google/uuid"
)

// BranchMagicCookie prefixes every RFC 3261 compliant branch.
const BranchMagicCookie = "z9hG4bK"

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// NewBranch returns a fresh transaction branch.
func NewBranch() string {
	return BranchMagicCookie + "-" + newID()[24:]
}

// NewTag returns a From/To tag.
func NewTag() string {
	return newID()[24:]
}

// NewCallID returns a Call-ID, qualified by host when one is given.
func NewCallID(host string) string {
	id := strings.ReplaceAll(newID(), "-", "")
	if host == "" {
		return id
	}
	return id + "@" + host
}
