// Package tools runs reasoning-stage tool calls as intents on the command bus.
package tools

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/protocol"
)

// Args are the decoded arguments of one tool call.
type Args map[string]any

// Int reads a whole-number argument, accepting JSON numbers and numeric strings.
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case float64:
		return int(math.Round(v))
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}

func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Tool is one entry of the closed catalogue.
type Tool struct {
	Name        string
	Intent      string
	Description string
	Parameters  map[string]any
	// ReplyDefault is spoken when a JSON bus reply carries no text.
	ReplyDefault func(Args) string
	// Fallback is spoken when the bus does not answer in time.
	Fallback func(Args, time.Time) string

	slots func(Args) protocol.Intent
}

// Command builds the bus intent for a call.
func (t Tool) Command(args Args, requestID string) protocol.Intent {
	intent := protocol.Intent{}
	if t.slots != nil {
		intent = t.slots(args)
	}
	intent.Intent = protocol.IntentName{Name: t.Intent}
	intent.RequestID = requestID
	return intent
}

func durationSlots(args Args) []protocol.Slot {
	var slots []protocol.Slot
	for _, unit := range []struct{ arg, slot string }{{"hours", "hour"}, {"minutes", "minute"}, {"seconds", "second"}} {
		if n := args.Int(unit.arg); n > 0 {
			slots = append(slots, protocol.Slot{Name: unit.slot, Value: protocol.SlotValue{Value: n}})
		}
	}
	return slots
}

var durationSchema = map[string]any{
	"hours":   map[string]any{"type": "integer", "description": "Hours"},
	"minutes": map[string]any{"type": "integer", "description": "Minutes"},
	"seconds": map[string]any{"type": "integer", "description": "Seconds"},
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	merged := map[string]any{}
	for k, v := range props {
		merged[k] = v
	}
	schema := map[string]any{"type": "object", "properties": merged}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var catalogue = map[string]Tool{
	"get_time": {
		Name:         "get_time",
		Intent:       "GetTime",
		Description:  "Tell the current local time.",
		Parameters:   objectSchema(nil),
		ReplyDefault: func(Args) string { return "Could not get the time" },
		Fallback: func(_ Args, now time.Time) string {
			return fmt.Sprintf("The time is %d hours, %d minutes", now.Hour(), now.Minute())
		},
	},
	"set_timer": {
		Name:         "set_timer",
		Intent:       "SetTimer",
		Description:  "Start a countdown timer.",
		Parameters:   objectSchema(durationSchema),
		ReplyDefault: func(Args) string { return "Timer set" },
		Fallback: func(a Args, _ time.Time) string {
			return fmt.Sprintf("Timer set for %d h, %d min, %d s", a.Int("hours"), a.Int("minutes"), a.Int("seconds"))
		},
		slots: func(a Args) protocol.Intent {
			return protocol.Intent{Slots: durationSlots(a)}
		},
	},
	"set_notification": {
		Name:        "set_notification",
		Intent:      "SetNotification",
		Description: "Remind the user about something after a delay.",
		Parameters: objectSchema(merge(durationSchema, map[string]any{
			"text": map[string]any{"type": "string", "description": "What to remind about"},
		}), "text"),
		ReplyDefault: func(Args) string { return "Reminder set" },
		Fallback: func(a Args, _ time.Time) string {
			return fmt.Sprintf("Reminder set for %d h, %d min, %d s: %s", a.Int("hours"), a.Int("minutes"), a.Int("seconds"), a.String("text"))
		},
		slots: func(a Args) protocol.Intent {
			return protocol.Intent{
				Slots: durationSlots(a),
				RawInput: fmt.Sprintf("Remind me in %d hours %d minutes %d seconds about %s",
					a.Int("hours"), a.Int("minutes"), a.Int("seconds"), a.String("text")),
			}
		},
	},
	"get_weather": {
		Name:         "get_weather",
		Intent:       "GetWeather",
		Description:  "Report the current weather.",
		Parameters:   objectSchema(nil),
		ReplyDefault: func(Args) string { return "Could not get the weather" },
		Fallback:     func(Args, time.Time) string { return "Could not get the weather" },
	},
	"call_contact": {
		Name:        "call_contact",
		Intent:      "InitiateCall",
		Description: "Place a phone call to a contact.",
		Parameters: objectSchema(map[string]any{
			"contact_name": map[string]any{"type": "string", "description": "Who to call"},
		}, "contact_name"),
		ReplyDefault: func(a Args) string { return "Calling " + a.String("contact_name") },
		Fallback:     func(a Args, _ time.Time) string { return "Calling " + a.String("contact_name") },
		slots: func(a Args) protocol.Intent {
			return protocol.Intent{Input: "call", RawInput: "call " + a.String("contact_name")}
		},
	},
}

func merge(maps ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// Lookup finds a tool by name.
func Lookup(name string) (Tool, bool) {
	t, ok := catalogue[name]
	return t, ok
}

// Names lists the catalogue in a stable order.
func Names() []string {
	names := make([]string, 0, len(catalogue))
	for name := range catalogue {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions describes the catalogue for backends that emit tool calls natively.
func Definitions() []protocol.ToolSpec {
	specs := make([]protocol.ToolSpec, 0, len(catalogue))
	for _, name := range Names() {
		t := catalogue[name]
		specs = append(specs, protocol.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return specs
}
