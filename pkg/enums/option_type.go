package enums

import (
	"fmt"
	"strings"
)

// OptionType classifies a purchasable product option.
type OptionType string

const (
	OptionTypeColor   OptionType = "color"
	OptionTypeStorage OptionType = "storage"
	OptionTypeOther   OptionType = "other"
)

var validOptionTypes = []OptionType{
	OptionTypeColor,
	OptionTypeStorage,
	OptionTypeOther,
}

func (o OptionType) String() string {
	return string(o)
}

func (o OptionType) IsValid() bool {
	for _, candidate := range validOptionTypes {
		if candidate == o {
			return true
		}
	}
	return false
}

func ParseOptionType(value string) (OptionType, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validOptionTypes {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid option type %q", value)
}
