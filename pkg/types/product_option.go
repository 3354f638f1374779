package types

import (
	"database/sql/driver"

	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
)

// ProductOption is one purchasable variant in a product's option catalog, or
// the snapshot of a chosen option on an order line.
type ProductOption struct {
	Type       enums.OptionType `json:"type"`
	Name       string           `json:"name"`
	Value      string           `json:"value"`
	PriceCents int64            `json:"priceCents"`
}

// ProductOptions is stored as a jsonb array.
type ProductOptions []ProductOption

// SurchargeCents sums the option price deltas.
func (o ProductOptions) SurchargeCents() int64 {
	var total int64
	for _, opt := range o {
		total += opt.PriceCents
	}
	return total
}

func (o ProductOptions) Value() (driver.Value, error) {
	if o == nil {
		return "[]", nil
	}
	return valueJSON([]ProductOption(o))
}

func (o *ProductOptions) Scan(value interface{}) error {
	if value == nil {
		*o = ProductOptions{}
		return nil
	}
	out := []ProductOption{}
	if err := scanJSON(value, &out, "product options"); err != nil {
		return err
	}
	*o = out
	return nil
}
