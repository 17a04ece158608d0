package fleet

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is a processor version as published by the catalog: sometimes text
// ("v2"), sometimes a bare number (2.5). Exactly one of the two is meaningful,
// selected by IsNumber.
type Version struct {
	Text     string
	Number   float64
	IsNumber bool
}

func TextVersion(s string) Version { return Version{Text: s} }

func NumberVersion(f float64) Version { return Version{Number: f, IsNumber: true} }

func (v Version) String() string {
	if v.IsNumber {
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	}
	return v.Text
}

// Equal compares tag and value: TextVersion("2.5") is not NumberVersion(2.5).
func (v Version) Equal(o Version) bool {
	if v.IsNumber != o.IsNumber {
		return false
	}
	if v.IsNumber {
		return v.Number == o.Number
	}
	return v.Text == o.Text
}

func (v Version) MarshalJSON() ([]byte, error) {
	if v.IsNumber {
		return json.Marshal(v.Number)
	}
	return json.Marshal(v.Text)
}

// UnmarshalJSON tries text, then a number. Anything else is an error.
func (v *Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = TextVersion(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*v = NumberVersion(f)
		return nil
	}
	return fmt.Errorf("version: expected a string or a number, got %s", data)
}

func (v Version) MarshalYAML() (interface{}, error) {
	if v.IsNumber {
		return v.Number, nil
	}
	return v.Text, nil
}

// UnmarshalYAML decodes the untyped scalar first so that a quoted "2.5" stays
// text while a bare 2.5 becomes a number.
func (v *Version) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case string:
		*v = TextVersion(t)
	case int:
		*v = NumberVersion(float64(t))
	case int64:
		*v = NumberVersion(float64(t))
	case uint64:
		*v = NumberVersion(float64(t))
	case float64:
		*v = NumberVersion(t)
	default:
		return fmt.Errorf("version: expected a string or a number, got %T", raw)
	}
	return nil
}
