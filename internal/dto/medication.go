package dto

import "github.com/Additional-Code/remedio/internal/entity"

// MedicationResponse is a catalog entry.
type MedicationResponse struct {
	ID                   int64  `json:"id"`
	Name                 string `json:"name"`
	Price                string `json:"price"`
	Stock                int    `json:"stock"`
	RequiresPrescription bool   `json:"requires_prescription"`
}

func NewMedicationResponse(m *entity.Medication) MedicationResponse {
	return MedicationResponse{
		ID:                   m.ID,
		Name:                 m.Name,
		Price:                m.Price.StringFixed(2),
		Stock:                m.Stock,
		RequiresPrescription: m.RequiresPrescription,
	}
}
