package tools

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-dialog/internal/protocol"
)

var (
	timePattern     = regexp.MustCompile(`(?i)\b(what time|what's the time|current time|time is it)\b`)
	timerPattern    = regexp.MustCompile(`(?i)\b(set|start)\b.*\btimer\b|\btimer\b.*\bfor\b`)
	remindPattern   = regexp.MustCompile(`(?i)\bremind me\b(?:.*?\b(?:to|about)\b\s+(.+?))?\s*[.!?]*$`)
	weatherPattern  = regexp.MustCompile(`(?i)\b(weather|forecast)\b`)
	callPattern     = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:call|phone|dial)\s+(.+?)\s*[.!?]*$`)
	durationPattern = regexp.MustCompile(`(?i)(\d+)\s*(hours?|hrs?|h|minutes?|mins?|m|seconds?|secs?|s)\b`)
	trailingPrep    = regexp.MustCompile(`(?i)\s*\b(in|after)$`)
)

// ExtractCalls derives tool calls from the user's words for backends that cannot emit
// them. It returns nil when the text does not look like a command.
func ExtractCalls(text string) []protocol.ToolCall {
	var calls []protocol.ToolCall
	add := func(name string, args Args) {
		calls = append(calls, protocol.ToolCall{
			ID:        fmt.Sprintf("call_%d", len(calls)),
			Name:      name,
			Arguments: map[string]any(args),
		})
	}

	switch {
	case remindPattern.MatchString(text):
		args := durations(text)
		if m := remindPattern.FindStringSubmatch(text); len(m) > 1 {
			args["text"] = strings.TrimSpace(stripDurations(m[1]))
		}
		add("set_notification", args)
	case timerPattern.MatchString(text):
		add("set_timer", durations(text))
	}
	if timePattern.MatchString(text) {
		add("get_time", Args{})
	}
	if weatherPattern.MatchString(text) {
		add("get_weather", Args{})
	}
	if m := callPattern.FindStringSubmatch(text); len(m) > 1 {
		add("call_contact", Args{"contact_name": m[1]})
	}
	return calls
}

func durations(text string) Args {
	args := Args{}
	for _, m := range durationPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch unit := strings.ToLower(m[2]); {
		case strings.HasPrefix(unit, "h"):
			args["hours"] = n
		case strings.HasPrefix(unit, "m"):
			args["minutes"] = n
		case strings.HasPrefix(unit, "s"):
			args["seconds"] = n
		}
	}
	return args
}

func stripDurations(text string) string {
	out := durationPattern.ReplaceAllString(text, "")
	out = strings.Join(strings.Fields(out), " ")
	return trailingPrep.ReplaceAllString(out, "")
}
