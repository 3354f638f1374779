package orders

import (
	"strings"

	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

// OptionSelection is what a buyer sent for one line. New clients send
// Selected; older clients send the flat Color/Storage fields.
type OptionSelection struct {
	Selected []SelectedOptionInput
	Color    *string
	Storage  *string
}

// SelectedOptionInput references a catalog option by type and value.
type SelectedOptionInput struct {
	Type  string `json:"type" validate:"required"`
	Name  string `json:"name"`
	Value string `json:"value" validate:"required"`
}

// ResolveOptions matches the selection against the product's option catalog
// and returns the priced snapshot. Both input shapes resolve to the same result.
func ResolveOptions(product models.Product, sel OptionSelection) (types.ProductOptions, error) {
	wanted := make([]SelectedOptionInput, 0, len(sel.Selected)+2)
	wanted = append(wanted, sel.Selected...)
	if len(sel.Selected) == 0 {
		if v := trimmed(sel.Color); v != "" {
			wanted = append(wanted, SelectedOptionInput{Type: string(enums.OptionTypeColor), Value: v})
		}
		if v := trimmed(sel.Storage); v != "" {
			wanted = append(wanted, SelectedOptionInput{Type: string(enums.OptionTypeStorage), Value: v})
		}
	}

	out := make(types.ProductOptions, 0, len(wanted))
	seen := map[string]bool{}
	for _, w := range wanted {
		optType, err := enums.ParseOptionType(w.Type)
		if err != nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid option type").
				WithDetails(map[string]any{"productId": product.ID.String(), "type": w.Type})
		}
		key := string(optType) + "|" + strings.ToLower(strings.TrimSpace(w.Name))
		if optType != enums.OptionTypeOther {
			key = string(optType)
		}
		if seen[key] {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "duplicate option selection").
				WithDetails(map[string]any{"productId": product.ID.String(), "type": w.Type})
		}
		seen[key] = true

		match, ok := findOption(product.Options, optType, w.Name, w.Value)
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown product option").
				WithDetails(map[string]any{"productId": product.ID.String(), "type": w.Type, "value": w.Value})
		}
		out = append(out, match)
	}
	return out, nil
}

func findOption(catalog types.ProductOptions, optType enums.OptionType, name, value string) (types.ProductOption, bool) {
	for _, opt := range catalog {
		if opt.Type != optType || !strings.EqualFold(opt.Value, strings.TrimSpace(value)) {
			continue
		}
		if optType == enums.OptionTypeOther && name != "" && !strings.EqualFold(opt.Name, strings.TrimSpace(name)) {
			continue
		}
		return opt, true
	}
	return types.ProductOption{}, false
}

func trimmed(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}
