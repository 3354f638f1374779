package types

import (
	"database/sql/driver"
	"strings"
)

// ShippingAddress is the delivery destination snapshot stored on an order.
type ShippingAddress struct {
	FullName   string  `json:"fullName" validate:"required"`
	Phone      string  `json:"phone" validate:"required"`
	Email      *string `json:"email,omitempty"`
	Line1      string  `json:"line1" validate:"required"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city" validate:"required"`
	State      *string `json:"state,omitempty"`
	PostalCode *string `json:"postalCode,omitempty"`
	Country    string  `json:"country" validate:"required"`
}

// MissingFields lists the required fields that are blank.
func (a ShippingAddress) MissingFields() []string {
	required := []struct {
		name  string
		value string
	}{
		{"fullName", a.FullName},
		{"phone", a.Phone},
		{"line1", a.Line1},
		{"city", a.City},
		{"country", a.Country},
	}
	var missing []string
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	return missing
}

func (a ShippingAddress) Value() (driver.Value, error) {
	return valueJSON(a)
}

func (a *ShippingAddress) Scan(value interface{}) error {
	if value == nil {
		*a = ShippingAddress{}
		return nil
	}
	return scanJSON(value, a, "shipping address")
}
