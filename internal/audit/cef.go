package audit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scottbrown/hecbridge"
)

// formatCEF renders an event in ArcSight Common Event Format:
// CEF:Version|Vendor|Product|Version|Signature ID|Name|Severity|Extension
func formatCEF(event Event) []byte {
	header := fmt.Sprintf("CEF:0|hecbridge|HEC Kafka Bridge|%s|%s|%s|%d",
		cefHeaderEscape(hecbridge.Version()),
		cefHeaderEscape(string(event.EventType)),
		cefHeaderEscape(event.Action),
		severity(event),
	)
	return []byte(header + "|" + cefExtensions(event))
}

// severity maps events to CEF levels 0-10.
func severity(event Event) int {
	switch event.EventType {
	case EventRequestRejected:
		return 7
	case EventBatchFailed:
		return 8
	case EventRequestFailed:
		return 5
	case EventEventsDropped, EventConfigChange:
		return 4
	case EventServerStart, EventServerStop:
		return 3
	}
	if !event.Success {
		return 6
	}
	return 2
}

func cefExtensions(event Event) string {
	parts := []string{
		"act=" + cefEscape(event.Action),
		"src=" + cefEscape(event.Actor),
		"outcome=" + cefEscape(event.Result),
	}

	if event.Resource != "" {
		parts = append(parts, "request="+cefEscape(event.Resource))
	}
	if event.RequestID != "" {
		parts = append(parts, "cs2="+cefEscape(event.RequestID), "cs2Label=Request ID")
	}

	if len(event.Details) > 0 {
		keys := make([]string, 0, len(event.Details))
		for k := range event.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		details := make([]string, len(keys))
		for i, k := range keys {
			details[i] = fmt.Sprintf("%s=%v", k, event.Details[k])
		}
		parts = append(parts, "cs1="+cefEscape(strings.Join(details, " ")), "cs1Label=Details")
	}

	parts = append(parts, fmt.Sprintf("rt=%d", event.Timestamp.UnixMilli()))
	return strings.Join(parts, " ")
}

// cefEscape escapes extension values: backslash, equals and line breaks.
func cefEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "=", `\=`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return s
}

// cefHeaderEscape escapes header values: backslash and pipe.
func cefHeaderEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "|", `\|`)
	return s
}
