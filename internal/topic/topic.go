// Package topic compares published topic names against subscription filters.
package topic

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	Separator      = "/"
	SingleWildcard = "+"
	MultiWildcard  = "#"
)

// levelCache keeps split filter levels; the fan-out matches every stored
// filter against every publish, so the same filters are split over and over.
var levelCache = expirable.NewLRU[string, []string](4096, nil, 10*time.Minute)

func levels(filter string) []string {
	if cached, ok := levelCache.Get(filter); ok {
		return cached
	}
	split := strings.Split(filter, Separator)
	levelCache.Add(filter, split)
	return split
}

// CheckFilter reports whether filter is a valid subscription filter and qos a
// valid requested QoS.
func CheckFilter(filter string, qos byte) bool {
	if filter == "" || qos > 2 {
		return false
	}
	parts := levels(filter)
	for i, level := range parts {
		if len(level) > 1 && strings.ContainsAny(level, SingleWildcard+MultiWildcard) {
			return false
		}
		if level == MultiWildcard && i != len(parts)-1 {
			return false
		}
	}
	return true
}

// Matches reports whether publishTopic is selected by filter. Comparison is
// byte-wise and case-sensitive.
func Matches(publishTopic, filter string) bool {
	topicLevels := strings.Split(publishTopic, Separator)
	filterLevels := levels(filter)
	last := len(filterLevels) - 1

	if len(topicLevels) > len(filterLevels) && filterLevels[last] != MultiWildcard {
		return false
	}

	for i, level := range filterLevels {
		if i < len(topicLevels) {
			switch {
			case level == SingleWildcard, level == topicLevels[i]:
				continue
			case level == MultiWildcard && i == last:
				return true
			default:
				return false
			}
		}
		return i == last && level == MultiWildcard
	}
	return true
}
