package service

import (
	"hash/fnv"

	"github.com/google/uuid"

	"presence-service/internal/domain"
)

var (
	nicknameAdjectives = []string{
		"Brave", "Calm", "Clever", "Curious", "Eager", "Gentle", "Happy", "Jolly",
		"Keen", "Lively", "Lucky", "Mellow", "Nimble", "Quiet", "Swift", "Witty",
	}
	nicknameAnimals = []string{
		"Badger", "Falcon", "Fox", "Heron", "Koala", "Lynx", "Marten", "Otter",
		"Owl", "Panda", "Puffin", "Raven", "Seal", "Tiger", "Walrus", "Wombat",
	}
	cursorColors = []string{
		"#ef4444", "#f97316", "#eab308", "#22c55e", "#14b8a6",
		"#3b82f6", "#6366f1", "#a855f7", "#ec4899", "#64748b",
	}
)

// StyleFor derives the nickname and color assigned to a participant when
// their record is created. The same user id always yields the same style.
func StyleFor(userID uuid.UUID, anonymous bool) domain.PresenceDefaults {
	h := fnv.New64a()
	_, _ = h.Write(userID[:])
	seed := h.Sum64()

	defaults := domain.PresenceDefaults{
		Color: cursorColors[seed%uint64(len(cursorColors))],
	}
	if anonymous {
		adj := nicknameAdjectives[(seed>>8)%uint64(len(nicknameAdjectives))]
		animal := nicknameAnimals[(seed>>16)%uint64(len(nicknameAnimals))]
		nickname := adj + " " + animal
		defaults.Nickname = &nickname
	}
	return defaults
}
