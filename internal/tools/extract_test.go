package tools

import "testing"

func TestExtractCalls(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"What time is it?", []string{"get_time"}},
		{"Set a timer for 5 minutes", []string{"set_timer"}},
		{"Remind me to buy milk in 10 minutes", []string{"set_notification"}},
		{"What's the weather like today", []string{"get_weather"}},
		{"Please call Anna.", []string{"call_contact"}},
		{"What time is it and what's the forecast", []string{"get_time", "get_weather"}},
		{"Tell me a joke", nil},
	}
	for _, tc := range cases {
		calls := ExtractCalls(tc.text)
		if len(calls) != len(tc.want) {
			t.Fatalf("%q: expected %v, got %+v", tc.text, tc.want, calls)
		}
		for i, name := range tc.want {
			if calls[i].Name != name {
				t.Fatalf("%q: call %d is %s, want %s", tc.text, i, calls[i].Name, name)
			}
			if calls[i].ID == "" {
				t.Fatalf("%q: call %d has no id", tc.text, i)
			}
		}
	}
}

func TestExtractArguments(t *testing.T) {
	calls := ExtractCalls("Set a timer for 1 hour 20 min")
	args := Args(calls[0].Arguments)
	if args.Int("hours") != 1 || args.Int("minutes") != 20 {
		t.Fatalf("unexpected timer args %v", args)
	}

	calls = ExtractCalls("Remind me to buy milk in 10 minutes")
	args = Args(calls[0].Arguments)
	if args.String("text") != "buy milk" || args.Int("minutes") != 10 {
		t.Fatalf("unexpected reminder args %v", args)
	}

	calls = ExtractCalls("call Uncle Bob!")
	if Args(calls[0].Arguments).String("contact_name") != "Uncle Bob" {
		t.Fatalf("unexpected contact %v", calls[0].Arguments)
	}
}

func TestCatalogue(t *testing.T) {
	want := []string{"call_contact", "get_time", "get_weather", "set_notification", "set_timer"}
	names := Names()
	if len(names) != len(want) {
		t.Fatalf("unexpected catalogue %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected catalogue %v", names)
		}
	}
	defs := Definitions()
	if len(defs) != len(want) || defs[0].Parameters["type"] != "object" {
		t.Fatalf("unexpected definitions %+v", defs)
	}
}

func TestArgsInt(t *testing.T) {
	args := Args{"a": float64(2.6), "b": "7", "c": "x", "d": 3}
	if args.Int("a") != 3 || args.Int("b") != 7 || args.Int("c") != 0 || args.Int("d") != 3 || args.Int("missing") != 0 {
		t.Fatalf("unexpected conversions")
	}
}
