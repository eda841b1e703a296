package enginetest

import (
	"agorasim.ai/internal/protocol"
)

func hasType(recs []protocol.EventRecord, eventType string) bool {
	for _, rec := range recs {
		if rec.Type == eventType {
			return true
		}
	}
	return false
}

func countType(recs []protocol.EventRecord, eventType string) int {
	n := 0
	for _, rec := range recs {
		if rec.Type == eventType {
			n++
		}
	}
	return n
}

func typesOf(recs []protocol.EventRecord) []string {
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Type)
	}
	return out
}
