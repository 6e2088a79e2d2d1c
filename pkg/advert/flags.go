package advert

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// Flags is a fixed-width bit set. The same type carries beacon status,
// content ratings and host permissions; each has its own named constants.
type Flags uint32

// IsAny reports whether any bit of mask is set.
func (f Flags) IsAny(mask Flags) bool { return f&mask != 0 }

// IsAll reports whether every bit of mask is set.
func (f Flags) IsAll(mask Flags) bool { return f&mask == mask }

func (f Flags) With(mask Flags) Flags    { return f | mask }
func (f Flags) Without(mask Flags) Flags { return f &^ mask }

// Count returns the number of set bits.
func (f Flags) Count() int { return bits.OnesCount32(uint32(f)) }

// Beacon status.
const (
	StatusOnline Flags = 1 << iota
	StatusPublic
	StatusFirewalled
)

// Content rating attributes.
const (
	ContentViolence Flags = 1 << iota
	ContentGore
	ContentNudity
	ContentSexual
	ContentLanguage
	ContentDrugs
	ContentGambling
	ContentHorror
	ContentFlashingLights
	ContentLoudAudio
	ContentUserGenerated
	ContentCommercial

	ContentAll = ContentCommercial<<1 - 1
)

// Host permissions.
const (
	PermGuests Flags = 1 << iota
	PermVoice
	PermUploads
	PermSpectators
	PermBuilding
)

var contentNames = map[string]Flags{
	"violence":        ContentViolence,
	"gore":            ContentGore,
	"nudity":          ContentNudity,
	"sexual":          ContentSexual,
	"language":        ContentLanguage,
	"drugs":           ContentDrugs,
	"gambling":        ContentGambling,
	"horror":          ContentHorror,
	"flashing-lights": ContentFlashingLights,
	"loud-audio":      ContentLoudAudio,
	"user-generated":  ContentUserGenerated,
	"commercial":      ContentCommercial,
}

var permissionNames = map[string]Flags{
	"guests":     PermGuests,
	"voice":      PermVoice,
	"uploads":    PermUploads,
	"spectators": PermSpectators,
	"building":   PermBuilding,
}

// ParseContent turns content attribute names into a flag set.
func ParseContent(names []string) (Flags, error) {
	return parseFlags(names, contentNames)
}

// ParsePermissions turns permission names into a flag set.
func ParsePermissions(names []string) (Flags, error) {
	return parseFlags(names, permissionNames)
}

// ContentNames lists the names of the content bits set in f.
func ContentNames(f Flags) []string {
	return flagNames(f, contentNames)
}

func parseFlags(names []string, table map[string]Flags) (Flags, error) {
	var f Flags
	for _, name := range names {
		bit, ok := table[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown flag %q", name)
		}
		f |= bit
	}
	return f, nil
}

func flagNames(f Flags, table map[string]Flags) []string {
	var out []string
	for name, bit := range table {
		if f.IsAll(bit) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
