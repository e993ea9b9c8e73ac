// Package channels provides structured parsing and validation for the alert
// channel JSON stored on alert configurations and notifications.
package channels

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Channel is one delivery target for a notification. Target is optional for
// channel types whose destination is configured service-wide (e.g. "log").
type Channel struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
}

// List is an ordered set of channels as stored in the database.
type List []Channel

// Parse parses the channel JSON column. Two shapes are accepted: a list of
// bare type names (`["slack","email"]`) and a list of objects
// (`[{"type":"email","target":"oncall@example.com"}]`). The shapes may be
// mixed within one list. An empty string yields an empty list.
func Parse(jsonStr string) (List, error) {
	if jsonStr == "" {
		return List{}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse channels JSON: %w", err)
	}

	list := make(List, 0, len(raw))
	for i, item := range raw {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			list = append(list, Channel{Type: name})
			continue
		}
		var ch Channel
		if err := json.Unmarshal(item, &ch); err != nil {
			return nil, fmt.Errorf("channel[%d] is neither a name nor an object: %w", i, err)
		}
		list = append(list, ch)
	}

	return list, nil
}

// String serializes the list back to JSON. An empty list serializes to the
// empty string so unset columns stay unset.
func (l List) String() string {
	if len(l) == 0 {
		return ""
	}

	data, err := json.Marshal(l)
	if err != nil {
		return ""
	}

	return string(data)
}

// Names returns the channel type names in order, for log output.
func (l List) Names() []string {
	names := make([]string, len(l))
	for i, ch := range l {
		names[i] = ch.Type
	}
	return names
}

// Validate validates the channel list and returns an error if invalid.
// Validation rules:
// - at most 10 channels
// - type: one of slack, email, webhook, pagerduty, log
// - email target: must contain "@" if provided
// - slack/webhook target: must be an http(s) URL if provided
func (l List) Validate() error {
	if len(l) > 10 {
		return fmt.Errorf("too many channels: max 10 allowed, got %d", len(l))
	}

	for i, ch := range l {
		typ := strings.ToLower(ch.Type)
		switch typ {
		case "slack", "email", "webhook", "pagerduty", "log":
		case "":
			return fmt.Errorf("channel[%d] has no type", i)
		default:
			return fmt.Errorf("channel[%d] has unsupported type: %s (supported: slack, email, webhook, pagerduty, log)", i, ch.Type)
		}

		if ch.Target == "" {
			continue
		}
		switch typ {
		case "email":
			if !strings.Contains(ch.Target, "@") {
				return fmt.Errorf("channel[%d] email target is not an address: %s", i, ch.Target)
			}
		case "slack", "webhook":
			if err := validateTargetURL(ch.Target); err != nil {
				return fmt.Errorf("channel[%d] has invalid target: %w", i, err)
			}
		}
	}

	return nil
}

// MaskTargets returns a copy of the list with credentials stripped from URL
// targets. This should be called before returning channels to API clients.
func (l List) MaskTargets() List {
	masked := make(List, len(l))
	for i, ch := range l {
		masked[i] = ch
		if ch.Target == "" {
			continue
		}
		if u, err := url.Parse(ch.Target); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				// url.UserPassword would percent-encode the mask, so format
				// without the password and splice the mask in textually.
				u.User = url.User(u.User.Username())
				enc := u.User.String()
				masked[i].Target = strings.Replace(u.String(), enc+"@", enc+":***@", 1)
			}
		}
	}
	return masked
}

func validateTargetURL(target string) error {
	parsed, err := url.Parse(target)
	if err != nil {
		return err
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return nil
	default:
		return fmt.Errorf("unsupported target scheme: %s (supported: http, https)", parsed.Scheme)
	}
}
