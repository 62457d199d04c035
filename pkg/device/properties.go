package device

import "strings"

// ProductPropertyFallbacks and VariantPropertyFallbacks are the ordered
// property keys consulted when resolving a device's product and variant.
var (
	ProductPropertyFallbacks = []string{
		"ro.product.product.name",
		"ro.product.name",
		"ro.build.product",
	}
	VariantPropertyFallbacks = []string{
		"ro.product.product.device",
		"ro.product.device",
		"ro.build.product",
	}
)

// ResolveProductVariant reads product/variant out of a raw property map
// using the ordered fallback lists above. Variant is lower-cased.
func ResolveProductVariant(properties map[string]string) (product, variant string) {
	product = firstNonEmpty(properties, ProductPropertyFallbacks)
	variant = strings.ToLower(firstNonEmpty(properties, VariantPropertyFallbacks))
	return product, variant
}

func firstNonEmpty(properties map[string]string, keys []string) string {
	for _, k := range keys {
		if v, ok := properties[k]; ok && v != "" {
			return v
		}
	}
	return ""
}
