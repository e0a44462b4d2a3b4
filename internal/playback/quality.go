package playback

import "slices"

// Rendition is one quality tier offered to clients.
type Rendition struct {
	Label      string
	MaxWidth   int
	MaxHeight  int
	MaxBitrate int
}

var renditionTable = []Rendition{
	{Label: "360p", MaxWidth: 640, MaxHeight: 360, MaxBitrate: 1_000_000},
	{Label: "480p", MaxWidth: 854, MaxHeight: 480, MaxBitrate: 1_750_000},
	{Label: "720p", MaxWidth: 1280, MaxHeight: 720, MaxBitrate: 3_000_000},
}

// Renditions returns the rendition table in ascending quality order.
func Renditions() []Rendition {
	return slices.Clone(renditionTable)
}

// LookupRendition returns the rendition with the given label.
func LookupRendition(label string) (Rendition, bool) {
	for _, r := range renditionTable {
		if r.Label == label {
			return r, true
		}
	}
	return Rendition{}, false
}

// AllowedRenditions picks the renditions to offer for a source of the given
// dimensions. A rendition is included when it fits inside the source; a
// rendition matching the source width or height exactly is included and
// ends the walk. Sources smaller than every tier get the lowest one, so the
// result is never empty.
func AllowedRenditions(sourceWidth, sourceHeight int) []Rendition {
	var out []Rendition
	for _, r := range renditionTable {
		fits := r.MaxWidth <= sourceWidth && r.MaxHeight <= sourceHeight
		exact := r.MaxWidth == sourceWidth || r.MaxHeight == sourceHeight
		if fits || exact {
			out = append(out, r)
		}
		if exact {
			break
		}
	}
	if len(out) == 0 {
		out = append(out, renditionTable[0])
	}
	return out
}
