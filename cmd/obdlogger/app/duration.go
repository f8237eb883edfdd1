package app

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// TimeDuration is a time.Duration written as "60s", "5m" or "100ms" in the
// configuration file.
type TimeDuration time.Duration

func NewTimeDuration(d time.Duration) TimeDuration {
	return TimeDuration(d)
}

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *TimeDuration) UnmarshalJSON(bytes []byte) error {
	var v string
	if err := json.Unmarshal(bytes, &v); err != nil {
		return err
	}

	duration, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Validate checks that the duration is not negative and, when set, not
// shorter than minimum.
func (d TimeDuration) Validate(minimum time.Duration) error {
	duration := time.Duration(d)

	if duration < 0 {
		return fmt.Errorf("app.TimeDuration: must not be negative: %s", duration)
	}
	if duration > 0 && duration < minimum {
		return fmt.Errorf("app.TimeDuration: must be at least %s: %s given", minimum, duration)
	}

	return nil
}

func (d TimeDuration) Duration() time.Duration {
	return time.Duration(d)
}

func (d TimeDuration) String() string {
	duration := time.Duration(d)
	switch {
	case duration == 0:
		return "0s"
	case duration%time.Hour == 0:
		return fmt.Sprintf("%dh", int(duration/time.Hour))
	case duration%time.Minute == 0:
		return fmt.Sprintf("%dm", int(duration/time.Minute))
	case duration%time.Second == 0:
		return fmt.Sprintf("%ds", int(duration/time.Second))
	default:
		return duration.String()
	}
}
