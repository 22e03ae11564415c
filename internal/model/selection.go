package model

import (
	"math/rand"
	"sort"
)

// SelectRouteApproach picks among several admissible routes leaving a
// track-base. SystemDefault defers to the installation-wide setting.
type SelectRouteApproach uint8

// Selection approaches.
const (
	SelectRouteSystemDefault  SelectRouteApproach = 0
	SelectRouteDoNotCare      SelectRouteApproach = 1
	SelectRouteRandom         SelectRouteApproach = 2
	SelectRouteMinTrackLength SelectRouteApproach = 3
	SelectRouteLongestUnused  SelectRouteApproach = 4
)

// String returns the setting name used in the web UI and config.
func (s SelectRouteApproach) String() string {
	switch s {
	case SelectRouteDoNotCare:
		return "do-not-care"
	case SelectRouteRandom:
		return "random"
	case SelectRouteMinTrackLength:
		return "min-track-length"
	case SelectRouteLongestUnused:
		return "longest-unused"
	default:
		return "system-default"
	}
}

// orderRoutes returns the candidates in the order they should be tried.
// The caller has already filtered for admissibility. Under min-track-length
// a route whose destination lookup fails sorts last.
func orderRoutes(routes []*Route, approach SelectRouteApproach, control Control) []*Route {
	ordered := make([]*Route, len(routes))
	copy(ordered, routes)

	switch approach {
	case SelectRouteRandom:
		rand.Shuffle(len(ordered), func(i, j int) {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		})
	case SelectRouteMinTrackLength:
		sort.SliceStable(ordered, func(i, j int) bool {
			return destinationLength(ordered[i], control) < destinationLength(ordered[j], control)
		})
	case SelectRouteLongestUnused:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].LastUsed().Before(ordered[j].LastUsed())
		})
	default:
		// do-not-care keeps declaration order
	}
	return ordered
}

func destinationLength(route *Route, control Control) Length {
	track, err := control.TrackBaseFor(route.To())
	if err != nil {
		return ^Length(0)
	}
	return track.Length()
}
