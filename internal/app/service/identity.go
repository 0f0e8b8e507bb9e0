package service

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"github.com/danghamo/cozyfocus/pkg/config"
)

// DefaultDisplayName is shown for the local peer until a name is configured
const DefaultDisplayName = "Settling Wanderer"

// Palette is the set of pastel avatar colors a guest is given when none is configured
var Palette = []string{
	"#FDE68A",
	"#FCA5A5",
	"#BFDBFE",
	"#C4B5FD",
	"#BBF7D0",
	"#FBCFE8",
	"#FDBA74",
	"#A5F3FC",
}

// Identity is who the local peer is in the room
type Identity struct {
	GuestID     string `json:"guest_id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

// NewIdentity builds the local identity from config, generating whatever is left empty
func NewIdentity(cfg config.LoungeConfig) Identity {
	id := Identity{
		GuestID:     strings.TrimSpace(cfg.GuestID),
		DisplayName: strings.TrimSpace(cfg.DisplayName),
		Color:       strings.TrimSpace(cfg.Color),
	}
	if id.GuestID == "" {
		id.GuestID = NewGuestID()
	}
	if id.DisplayName == "" {
		id.DisplayName = DefaultDisplayName
	}
	if id.Color == "" {
		id.Color = PickColor()
	}
	return id
}

// NewGuestID returns "guest-" followed by six lowercase base-36 characters
func NewGuestID() string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	s := n.Text(36)
	for len(s) < 6 {
		s = "0" + s
	}
	return "guest-" + s[len(s)-6:]
}

// PickColor returns a random palette color
func PickColor() string {
	i, err := rand.Int(rand.Reader, big.NewInt(int64(len(Palette))))
	if err != nil {
		return Palette[0]
	}
	return Palette[i.Int64()]
}
