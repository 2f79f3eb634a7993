package pricing

import (
	"fmt"

	"github.com/pixelforge/backend/internal/models"
)

// Model identifiers per capability. The catalog is deliberately small and
// static; real price data is managed elsewhere and these defaults exist so
// the service runs standalone.
const (
	ModelImageDefault = "forge-image-1"
	ModelVideoFast    = "veloce-1"
	ModelVideoQuality = "aurora-1"
)

type Entry struct {
	Capability string `json:"capability"`
	Model      string `json:"model"`
	Credits    int    `json:"credits"`
}

var catalog = []Entry{
	{Capability: models.CapabilityImage, Model: ModelImageDefault, Credits: 5},
	{Capability: models.CapabilityVideoFast, Model: ModelVideoFast, Credits: 30},
	{Capability: models.CapabilityVideoQuality, Model: ModelVideoQuality, Credits: 80},
}

// Cost resolves the credit cost for capability/model. The cost is fixed at
// task creation from this lookup and never recalculated mid-flight.
func Cost(capability, model string) (int, error) {
	for _, e := range catalog {
		if e.Capability == capability && e.Model == model {
			return e.Credits, nil
		}
	}
	return 0, fmt.Errorf("no price for capability %q model %q", capability, model)
}

// DefaultModel returns the model used when a submission names none.
func DefaultModel(capability string) (string, bool) {
	for _, e := range catalog {
		if e.Capability == capability {
			return e.Model, true
		}
	}
	return "", false
}

// Catalog returns a copy of all priced capability/model pairs.
func Catalog() []Entry {
	out := make([]Entry, len(catalog))
	copy(out, catalog)
	return out
}
