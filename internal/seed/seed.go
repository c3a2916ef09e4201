// Package seed generates demo medicine supply data covering every anomaly
// scenario the default detectors recognise.
package seed

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/medwatch/pkg/supply"
)

// Scenario names the supply situation a generated point models.
type Scenario string

const (
	ScenarioHealthy       Scenario = "healthy"
	ScenarioLowStock      Scenario = "low_stock"
	ScenarioRapidDecline  Scenario = "rapid_decline"
	ScenarioPriceSpike    Scenario = "price_spike"
	ScenarioSupplierDelay Scenario = "supplier_delay"
)

// scenarios is the rotation used by Generate; healthy points dominate.
var scenarios = []Scenario{
	ScenarioHealthy, ScenarioHealthy, ScenarioHealthy,
	ScenarioLowStock, ScenarioRapidDecline, ScenarioPriceSpike, ScenarioSupplierDelay,
}

type medicine struct {
	name, generic, disease, company string
	price                           float64
}

var catalog = []medicine{
	{"Amlodipine 5mg", "Amlodipine Besylate", "Hypertension", "Acme Pharma", 12.50},
	{"Metformin 500mg", "Metformin Hydrochloride", "Type 2 Diabetes", "Northwind Labs", 8.20},
	{"Salbutamol Inhaler", "Salbutamol Sulfate", "Asthma", "Contoso Health", 145.00},
	{"Amoxicillin 250mg", "Amoxicillin Trihydrate", "Bacterial Infection", "Acme Pharma", 22.75},
	{"Insulin Glargine", "Insulin Glargine", "Type 1 Diabetes", "Fabrikam Bio", 980.00},
	{"Atorvastatin 10mg", "Atorvastatin Calcium", "Hyperlipidemia", "Northwind Labs", 18.40},
	{"Levothyroxine 50mcg", "Levothyroxine Sodium", "Hypothyroidism", "Contoso Health", 6.90},
	{"Paracetamol 500mg", "Acetaminophen", "Fever", "Fabrikam Bio", 1.80},
}

var (
	locations = []string{"Central Pharmacy", "North Clinic", "District Hospital", "Rural Health Post"}
	suppliers = []string{"MedSupply Co", "Global Pharma Distributors", "CareChain Logistics"}
	causes    = []string{
		"Raw material shortage",
		"Manufacturing disruption",
		"Import restriction",
		"Demand surge",
	}
)

// Upserter stores data points.
type Upserter interface {
	Upsert(ctx context.Context, points ...supply.DataPoint) error
}

// Generator builds demo data points.
type Generator struct {
	rng *rand.Rand
	now func() time.Time
}

// NewGenerator returns a Generator. The same seed produces the same data
// apart from medicine IDs.
func NewGenerator(seed uint64) *Generator {
	return &Generator{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now: time.Now,
	}
}

// Generate returns count points, cycling through the scenario rotation.
func (g *Generator) Generate(count int) []supply.DataPoint {
	out := make([]supply.DataPoint, 0, count)
	for i := range count {
		out = append(out, g.Point(scenarios[i%len(scenarios)], catalog[i%len(catalog)]))
	}
	return out
}

// Point builds one data point for scenario from a catalog entry.
func (g *Generator) Point(s Scenario, m medicine) supply.DataPoint {
	const days = 10

	consumption := math.Round(10 + g.rng.Float64()*40)
	threshold := consumption * 5
	stock := threshold * (3 + g.rng.Float64()*3)
	price := m.price
	delay := float64(g.rng.IntN(3))
	cause := ""

	// Healthy histories are gently noisy around today's level.
	stockHistory := make([]float64, days)
	priceHistory := make([]float64, days)
	for d := range days {
		stockHistory[d] = round2(stock * (1 + 0.03*(g.rng.Float64()-0.5)))
		priceHistory[d] = round2(price * (1 + 0.02*(g.rng.Float64()-0.5)))
	}

	switch s {
	case ScenarioLowStock:
		stock = threshold * 0.6
		cause = causes[g.rng.IntN(len(causes))]
	case ScenarioRapidDecline:
		// Stock has been falling by a fixed fraction each day.
		for d := range days {
			stockHistory[d] = round2(stock * (1 + 0.3*float64(d)))
		}
		cause = "Demand surge"
	case ScenarioPriceSpike:
		price = round2(m.price * 1.6)
		cause = causes[g.rng.IntN(len(causes))]
	case ScenarioSupplierDelay:
		delay = float64(7 + g.rng.IntN(10))
		cause = "Manufacturing disruption"
	}
	stockHistory[0] = round2(stock)
	priceHistory[0] = price

	return supply.DataPoint{
		MedicineID:         uuid.New().String(),
		MedicineName:       m.name,
		GenericName:        m.generic,
		Company:            m.company,
		Disease:            m.disease,
		CurrentStock:       round2(stock),
		CurrentPrice:       price,
		Location:           locations[g.rng.IntN(len(locations))],
		Supplier:           suppliers[g.rng.IntN(len(suppliers))],
		CriticalThreshold:  threshold,
		AverageMarketPrice: m.price,
		DailyConsumption:   consumption,
		StockHistory:       stockHistory,
		PriceHistory:       priceHistory,
		SupplierDelay:      delay,
		LastUpdatedAt:      g.now().UTC(),
		Description:        fmt.Sprintf("%s (%s) for %s", m.name, m.generic, m.disease),
		CausesOfShortage:   cause,
	}
}

// Seed generates count points and stores them.
func Seed(ctx context.Context, dst Upserter, g *Generator, count int) error {
	if count <= 0 {
		return fmt.Errorf("seed count must be positive, got %d", count)
	}
	if err := dst.Upsert(ctx, g.Generate(count)...); err != nil {
		return fmt.Errorf("seed medicines: %w", err)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
