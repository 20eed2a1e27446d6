package recommend

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/circletel/coverage-engine/internal/coverage"
)

// Product is one sellable package tied to a delivery technology. Prices are
// monthly ZAR and kept as decimals so catalog arithmetic stays exact.
type Product struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Technology coverage.Technology `json:"technology"`
	DownMbps   int                 `json:"downMbps"`
	UpMbps     int                 `json:"upMbps"`
	PriceZAR   decimal.Decimal     `json:"priceZar"`
	PromoZAR   *decimal.Decimal    `json:"promoZar,omitempty"`
}

// EffectivePrice is the promo price when one is active, otherwise the list
// price.
func (p Product) EffectivePrice() decimal.Decimal {
	if p.PromoZAR != nil {
		return *p.PromoZAR
	}
	return p.PriceZAR
}

// Catalog holds the products offered per technology.
type Catalog struct {
	products []Product
}

// techRank orders technologies by desirability for recommendations.
var techRank = map[coverage.Technology]int{
	coverage.TechFibre:         0,
	coverage.TechFiveG:         1,
	coverage.TechFixedWireless: 2,
	coverage.TechLTE:           3,
	coverage.TechThreeG:        4,
}

type catalogFile struct {
	Products []struct {
		ID         string `yaml:"id"`
		Name       string `yaml:"name"`
		Technology string `yaml:"technology"`
		DownMbps   int    `yaml:"down_mbps"`
		UpMbps     int    `yaml:"up_mbps"`
		PriceZAR   string `yaml:"price_zar"`
		PromoZAR   string `yaml:"promo_zar,omitempty"`
	} `yaml:"products"`
}

// LoadCatalog reads the YAML product catalog.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var doc catalogFile
	decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	catalog := &Catalog{}
	for _, entry := range doc.Products {
		tech, ok := coverage.ParseTechnology(entry.Technology)
		if !ok {
			return nil, fmt.Errorf("product %s: unknown technology %q", entry.ID, entry.Technology)
		}
		price, err := decimal.NewFromString(entry.PriceZAR)
		if err != nil {
			return nil, fmt.Errorf("product %s: invalid price %q: %w", entry.ID, entry.PriceZAR, err)
		}
		product := Product{
			ID:         entry.ID,
			Name:       entry.Name,
			Technology: tech,
			DownMbps:   entry.DownMbps,
			UpMbps:     entry.UpMbps,
			PriceZAR:   price,
		}
		if entry.PromoZAR != "" {
			promo, err := decimal.NewFromString(entry.PromoZAR)
			if err != nil {
				return nil, fmt.Errorf("product %s: invalid promo price %q: %w", entry.ID, entry.PromoZAR, err)
			}
			product.PromoZAR = &promo
		}
		catalog.products = append(catalog.products, product)
	}
	return catalog, nil
}

// NewCatalog builds a catalog from already constructed products.
func NewCatalog(products ...Product) *Catalog {
	return &Catalog{products: products}
}

// Len reports the number of products.
func (c *Catalog) Len() int { return len(c.products) }

// For returns the products deliverable with the resolved coverage, best
// first: preferred technology, then download speed, then effective price.
// A zero limit returns everything that matches.
func (c *Catalog) For(result coverage.Result, limit int) []Product {
	if !result.HasCoverage {
		return nil
	}
	available := coverage.NewTechSet(result.Technologies...)

	matched := make([]Product, 0, len(c.products))
	for _, product := range c.products {
		if available.Has(product.Technology) {
			matched = append(matched, product)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if techRank[a.Technology] != techRank[b.Technology] {
			return techRank[a.Technology] < techRank[b.Technology]
		}
		if a.DownMbps != b.DownMbps {
			return a.DownMbps > b.DownMbps
		}
		return a.EffectivePrice().LessThan(b.EffectivePrice())
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}
