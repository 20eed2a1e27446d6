package coverage

import (
	"errors"
	"math"
	"testing"
)

func TestParseTechnologyLenient(t *testing.T) {
	cases := map[string]Technology{
		"FIBRE":             TechFibre,
		"fiber":             TechFibre,
		"FTTH":              TechFibre,
		"5G":                TechFiveG,
		"Fixed LTE":         TechLTE,
		"4g":                TechLTE,
		"uncapped_wireless": TechFixedWireless,
		"Tarana":            TechFixedWireless,
		"3G 900":            TechThreeG,
	}
	for raw, want := range cases {
		got, ok := ParseTechnology(raw)
		if !ok || got != want {
			t.Fatalf("ParseTechnology(%q) = %q, %t; want %q", raw, got, ok, want)
		}
	}
	if _, ok := ParseTechnology("carrier-pigeon"); ok {
		t.Fatalf("unknown label must not parse")
	}
}

func TestTechSetCovers(t *testing.T) {
	set := NewTechSet(TechFibre, TechLTE)
	if !set.Covers(NewTechSet(TechFibre)) {
		t.Fatalf("superset must cover subset")
	}
	if set.Covers(NewTechSet(TechFibre, TechFiveG)) {
		t.Fatalf("missing technology must not be covered")
	}
	if !set.Covers(nil) {
		t.Fatalf("any-request is covered by any non-empty set")
	}
	if (TechSet{}).Covers(nil) {
		t.Fatalf("empty set cannot satisfy an any-request")
	}
}

func TestTechSetFingerprintCanonical(t *testing.T) {
	a := NewTechSet(TechLTE, TechFibre).Fingerprint()
	b := NewTechSet(TechFibre, TechLTE).Fingerprint()
	if a != b {
		t.Fatalf("fingerprint must be order independent: %s vs %s", a, b)
	}
	if (TechSet{}).Fingerprint() != "any" {
		t.Fatalf("empty set must fingerprint as any")
	}
}

func TestCoordinateValidate(t *testing.T) {
	valid := Coordinate{Lat: -26.2041, Lon: 28.0473}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid coordinate rejected: %v", err)
	}
	for _, c := range []Coordinate{
		{Lat: 91},
		{Lat: -91},
		{Lon: 181},
		{Lon: -181},
		{Lat: math.NaN()},
	} {
		err := c.Validate()
		if !errors.Is(err, ErrInvalidQuery) {
			t.Fatalf("coordinate %+v must fail with ErrInvalidQuery, got %v", c, err)
		}
	}
}
