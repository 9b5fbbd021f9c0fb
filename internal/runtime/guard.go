package runtime

import (
	"fmt"
	"strings"

	"github.com/aretw0/dialtone/pkg/domain"
)

// Input is what a guard is evaluated against.
type Input struct {
	Text       string
	Intent     string
	Slots      map[string]any
	Confidence float64
	Timeout    bool
}

// Match returns the first transition whose guard matches in.
// A default transition matches anything.
func Match(ts []domain.Transition, in Input) (domain.Transition, bool) {
	for _, t := range ts {
		if t.IsDefault() || in.Matches(t.Guard) {
			return t, true
		}
	}
	return domain.Transition{}, false
}

// Matches reports whether a literal guard matches the input. Comparison is
// case-insensitive. A guard matches when it
//
//   - is "timeout" and the input is an idle timeout,
//   - has the form key=value and the slot key holds value,
//   - equals the recognized intent or the recognized text,
//   - names a slot holding a truthy value.
func (in Input) Matches(guard string) bool {
	g := strings.TrimSpace(guard)
	if strings.EqualFold(g, domain.GuardTimeout) {
		return in.Timeout
	}
	if in.Timeout {
		return false
	}
	if key, want, ok := strings.Cut(g, "="); ok {
		v, found := in.Slots[strings.TrimSpace(key)]
		return found && strings.EqualFold(fmt.Sprint(v), strings.TrimSpace(want))
	}
	if in.Intent != "" && strings.EqualFold(in.Intent, g) {
		return true
	}
	if text := strings.TrimSpace(in.Text); text != "" && strings.EqualFold(text, g) {
		return true
	}
	if v, ok := in.Slots[g]; ok && truthy(v) {
		return true
	}
	return false
}

func (in Input) data(kind domain.EventKind, saveAs string) map[string]any {
	data := map[string]any{"event": string(kind)}
	if saveAs != "" && in.Text != "" {
		data["save_as"] = saveAs
	}
	if in.Intent != "" {
		data["intent"] = in.Intent
	}
	if in.Confidence > 0 {
		data["confidence"] = in.Confidence
	}
	if len(in.Slots) > 0 {
		data["slots"] = domain.CopyMap(in.Slots)
	}
	return data
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "", "false", "0", "no":
			return false
		}
		return true
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
