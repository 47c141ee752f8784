// Package pricing turns a predicted label and a weight into a price.
package pricing

// Resolve computes the price for one prediction from the label's reference
// price and the submitted weight.
//
// A label with no price entry yields neither value. A missing weight yields
// the unit price but no total. Otherwise total = pricePerUnit * weight,
// unrounded.
func Resolve(pricePerUnit, weight *float64) (perUnit, total *float64) {
	if pricePerUnit == nil {
		return nil, nil
	}
	p := *pricePerUnit
	if weight == nil {
		return &p, nil
	}
	t := p * *weight
	return &p, &t
}
