package eventbus

import "strings"

// MatchTopic reports whether pattern selects topic. Colons and dots both act
// as segment separators.
//
//	"*"                    matches anything
//	"workflow:*"           matches "workflow:execution:started"
//	"workflow:execution:*" matches "workflow:execution:failed"
//	"bulk.operation.*"     matches "bulk.operation.progress"
//	"workflow:execution"   does NOT match "workflow:execution:started"
func MatchTopic(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") && !strings.HasSuffix(pattern, ".*") {
		return false
	}
	prefix := pattern[:len(pattern)-1] // "workflow:*" → "workflow:"
	if !strings.HasPrefix(topic, prefix) {
		return false
	}
	return len(topic) > len(prefix)
}
