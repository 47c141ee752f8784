package models

import "time"

// ModelRegistry is the singleton record of the active classifier identity.
// Workers read it before every job; only an administrative reload writes it.
type ModelRegistry struct {
	ModelID       string    `db:"model_id"       json:"model_id"`
	ModelRevision string    `db:"model_revision" json:"model_revision"`
	UpdatedAt     time.Time `db:"updated_at"     json:"updated_at"`
}

// Ref returns the identity part of the registry row.
func (r ModelRegistry) Ref() ModelRef {
	return ModelRef{ID: r.ModelID, Revision: r.ModelRevision}
}

// PriceEntry maps a predicted label to its price per unit of weight.
type PriceEntry struct {
	Label        string    `db:"label"          json:"label"`
	PricePerUnit float64   `db:"price_per_unit" json:"price_per_unit"`
	UpdatedAt    time.Time `db:"updated_at"     json:"updated_at"`
}
