// Package rules implements the declarative rule detector. Rules are loaded
// from YAML and evaluated against one data point at a time.
package rules

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/medwatch/internal/preprocess"
	"github.com/HerbHall/medwatch/pkg/supply"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Rule kinds.
const (
	KindLowStock      = "low_stock"
	KindStockoutRisk  = "stockout_risk"
	KindPriceSpike    = "price_spike"
	KindSupplierDelay = "supplier_delay"
	KindRapidDecline  = "rapid_decline"
)

// ErrNotLoaded is returned by Evaluate before a successful LoadRules.
var ErrNotLoaded = errors.New("rules not loaded")

// Rule is one declarative rule definition.
type Rule struct {
	Name        string  `yaml:"name"`
	Kind        string  `yaml:"kind"`
	Severity    string  `yaml:"severity,omitempty"`
	Threshold   float64 `yaml:"threshold"`
	Message     string  `yaml:"message,omitempty"`
	Description string  `yaml:"description,omitempty"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiled struct {
	Rule
	eval        evalFunc
	message     *template.Template
	description *template.Template
}

// evalFunc reports whether a point matches, the observed value and the
// limit it was compared against.
type evalFunc func(p *supply.DataPoint, threshold float64) (matched bool, value, limit float64)

var kinds = map[string]evalFunc{
	KindLowStock:      lowStock,
	KindStockoutRisk:  stockoutRisk,
	KindPriceSpike:    priceSpike,
	KindSupplierDelay: supplierDelay,
	KindRapidDecline:  rapidDecline,
}

// templateData is the value message and description templates execute on.
// DataPoint fields are promoted, so templates can use {{.MedicineName}}.
type templateData struct {
	supply.DataPoint
	Rule  string
	Value float64
	Limit float64
}

// Detector evaluates a loaded rule set.
type Detector struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	rules []compiled
}

// NewDetector creates a Detector reading rules from path, or the built-in
// rule set when path is empty.
func NewDetector(path string, logger *zap.Logger) *Detector {
	return &Detector{path: path, logger: logger}
}

// LoadRules reads, validates and compiles the rule set. A failed load leaves
// any previously loaded rules in place.
func (d *Detector) LoadRules(_ context.Context) error {
	data := defaultRules
	source := "built-in"
	if d.path != "" {
		b, err := os.ReadFile(d.path)
		if err != nil {
			return fmt.Errorf("read rules: %w", err)
		}
		data, source = b, d.path
	}

	rules, err := parse(data)
	if err != nil {
		return fmt.Errorf("rules %s: %w", source, err)
	}

	d.mu.Lock()
	d.rules = rules
	d.mu.Unlock()

	d.logger.Info("rules loaded", zap.String("source", source), zap.Int("count", len(rules)))
	return nil
}

// Rules returns the loaded rule definitions.
func (d *Detector) Rules() []Rule {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Rule, len(d.rules))
	for i, r := range d.rules {
		out[i] = r.Rule
	}
	return out
}

// Evaluate returns one finding per matching rule, in rule order.
func (d *Detector) Evaluate(_ context.Context, point supply.DataPoint) ([]supply.RawFinding, error) {
	d.mu.RLock()
	rules := d.rules
	d.mu.RUnlock()
	if rules == nil {
		return nil, ErrNotLoaded
	}

	var findings []supply.RawFinding
	for i := range rules {
		r := &rules[i]
		matched, value, limit := r.eval(&point, r.Threshold)
		if !matched {
			continue
		}

		data := templateData{DataPoint: point, Rule: r.Name, Value: value, Limit: limit}
		msg, err := render(r.message, data)
		if err != nil {
			return nil, fmt.Errorf("rule %s message: %w", r.Name, err)
		}
		desc, err := render(r.description, data)
		if err != nil {
			return nil, fmt.Errorf("rule %s description: %w", r.Name, err)
		}

		findings = append(findings, supply.RawFinding{
			Severity:    r.Severity,
			Message:     msg,
			Description: desc,
			Type:        r.Name,
			Details: supply.Details{
				"rule":     r.Name,
				"kind":     r.Kind,
				"observed": value,
				"limit":    limit,
			},
			CausesOfShortages: point.CausesOfShortage,
		})
	}
	return findings, nil
}

// parse decodes and compiles a YAML rule set.
func parse(data []byte) ([]compiled, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, errors.New("no rules defined")
	}

	seen := make(map[string]bool, len(f.Rules))
	out := make([]compiled, 0, len(f.Rules))
	for i, r := range f.Rules {
		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("rule %s: duplicate name", r.Name)
		}
		seen[r.Name] = true

		eval, ok := kinds[r.Kind]
		if !ok {
			return nil, fmt.Errorf("rule %s: unknown kind %q", r.Name, r.Kind)
		}
		if r.Severity != "" && !supply.ValidSeverity(r.Severity) {
			return nil, fmt.Errorf("rule %s: invalid severity %q", r.Name, r.Severity)
		}
		if r.Threshold < 0 {
			return nil, fmt.Errorf("rule %s: threshold must not be negative", r.Name)
		}

		c := compiled{Rule: r, eval: eval}
		var err error
		if c.message, err = compile(r.Name+".message", r.Message); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		if c.description, err = compile(r.Name+".description", r.Description); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// compile returns nil for an empty template so the normalizer default
// applies.
func compile(name, text string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return template.New(name).Option("missingkey=error").Parse(text)
}

func render(t *template.Template, data templateData) (string, error) {
	if t == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// low_stock: threshold scales the point's critical threshold (0 means 1).
func lowStock(p *supply.DataPoint, threshold float64) (bool, float64, float64) {
	if p.CriticalThreshold <= 0 {
		return false, p.CurrentStock, 0
	}
	if threshold == 0 {
		threshold = 1
	}
	limit := p.CriticalThreshold * threshold
	return p.CurrentStock <= limit, p.CurrentStock, limit
}

// stockout_risk: days of stock left at the current consumption rate.
func stockoutRisk(p *supply.DataPoint, threshold float64) (bool, float64, float64) {
	if p.DailyConsumption <= 0 {
		return false, 0, threshold
	}
	days := p.CurrentStock / p.DailyConsumption
	return days < threshold, days, threshold
}

// price_spike: threshold is the tolerated fraction over the market average.
func priceSpike(p *supply.DataPoint, threshold float64) (bool, float64, float64) {
	if p.AverageMarketPrice <= 0 {
		return false, p.CurrentPrice, 0
	}
	limit := p.AverageMarketPrice * (1 + threshold)
	return p.CurrentPrice > limit, p.CurrentPrice, limit
}

// supplier_delay: delay in days.
func supplierDelay(p *supply.DataPoint, threshold float64) (bool, float64, float64) {
	return p.SupplierDelay > 0 && p.SupplierDelay >= threshold, p.SupplierDelay, threshold
}

// rapid_decline: per-period decline as a fraction of current stock.
func rapidDecline(p *supply.DataPoint, threshold float64) (bool, float64, float64) {
	rate, ok := preprocess.DeclineRate(p.StockHistory)
	if !ok || rate <= 0 {
		return false, rate, 0
	}
	limit := threshold * p.CurrentStock
	return rate > limit, rate, limit
}
