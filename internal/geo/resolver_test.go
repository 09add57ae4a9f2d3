package geo

import (
	"context"
	"fmt"
	"testing"

	weatherflow "github.com/windcrest/weatherflow"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	records, err := EmbeddedDataset()
	if err != nil {
		t.Fatalf("EmbeddedDataset failed: %v", err)
	}
	r, err := NewResolver(records)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	return r
}

func TestResolveExact_ProvinceAdcode(t *testing.T) {
	r := newTestResolver(t)

	record, err := r.ResolveExact(context.Background(), "110000")
	if err != nil {
		t.Fatalf("ResolveExact failed: %v", err)
	}
	if record.Name != "北京市" {
		t.Errorf("expected 北京市, got %s", record.Name)
	}
	if record.Level != weatherflow.LevelProvince {
		t.Errorf("expected province level, got %s", record.Level)
	}
}

func TestResolveExact_UnknownAdcode(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.ResolveExact(context.Background(), "999999")
	if err == nil {
		t.Fatal("expected error for unknown adcode")
	}
	if weatherflow.ErrCode(err) != weatherflow.ErrCodeCityNotFound {
		t.Errorf("expected CITY_NOT_FOUND, got %s", weatherflow.ErrCode(err))
	}
}

func TestResolveExact_MalformedAdcode(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.ResolveExact(context.Background(), "11000")
	if weatherflow.ErrCode(err) != weatherflow.ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestResolve_AdcodeQuery(t *testing.T) {
	r := newTestResolver(t)

	candidates, err := r.Resolve(context.Background(), "440300")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Name != "深圳市" {
		t.Errorf("expected single match 深圳市, got %v", candidates)
	}
}

func TestResolve_BareNameMatchesProvince(t *testing.T) {
	r := newTestResolver(t)

	candidates, err := r.Resolve(context.Background(), "北京")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected exactly one candidate, got %d: %v", len(candidates), candidates)
	}
	if candidates[0].Adcode != "110000" {
		t.Errorf("expected adcode 110000, got %s", candidates[0].Adcode)
	}
}

func TestResolve_SuffixedDistrictName(t *testing.T) {
	r := newTestResolver(t)

	candidates, err := r.Resolve(context.Background(), "朝阳区")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected exactly one candidate, got %d: %v", len(candidates), candidates)
	}
	got := candidates[0]
	if got.Adcode != "110105" || got.Level != weatherflow.LevelDistrict {
		t.Errorf("expected Beijing 朝阳区 district (110105), got %+v", got)
	}
}

func TestResolve_AmbiguousDistrictName(t *testing.T) {
	r := newTestResolver(t)

	candidates, err := r.Resolve(context.Background(), "鼓楼区")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d: %v", len(candidates), candidates)
	}
	provinces := make(map[string]bool)
	for _, c := range candidates {
		provinces[c.Province] = true
	}
	for _, want := range []string{"江苏省", "福建省", "河南省"} {
		if !provinces[want] {
			t.Errorf("missing 鼓楼区 candidate from %s", want)
		}
	}
}

func TestResolve_PrefixMatch(t *testing.T) {
	r := newTestResolver(t)

	candidates, err := r.Resolve(context.Background(), "浦东")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Adcode != "310115" {
		t.Errorf("expected 浦东新区 (310115), got %v", candidates)
	}
}

func TestResolve_FuzzyMatch(t *testing.T) {
	r := newTestResolver(t)

	// One rune off from 乌鲁木齐, reachable only through the edit
	// distance stage.
	candidates, err := r.Resolve(context.Background(), "乌鲁本齐")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	found := false
	for _, c := range candidates {
		if c.Adcode == "650100" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 乌鲁木齐市 among candidates, got %v", candidates)
	}
}

func TestResolve_NoMatch(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve(context.Background(), "不存在的城市名称")
	if weatherflow.ErrCode(err) != weatherflow.ErrCodeCityNotFound {
		t.Errorf("expected CITY_NOT_FOUND, got %v", err)
	}
}

func TestResolve_EmptyQuery(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve(context.Background(), "   ")
	if weatherflow.ErrCode(err) != weatherflow.ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestResolve_DistrictOutranksCity(t *testing.T) {
	records := []weatherflow.CityRecord{
		{Name: "示例市", Adcode: "990100", Province: "示例省", Level: weatherflow.LevelCity},
		{Name: "示例区", Adcode: "990101", Province: "示例省", Level: weatherflow.LevelDistrict},
	}
	r, err := NewResolver(records)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	candidates, err := r.Resolve(context.Background(), "示例")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Level != weatherflow.LevelDistrict {
		t.Errorf("expected the district ranked first, got %+v", candidates[0])
	}
}

func TestResolve_LimitCapsCandidates(t *testing.T) {
	records := make([]weatherflow.CityRecord, 0, 12)
	for i := 0; i < 12; i++ {
		records = append(records, weatherflow.CityRecord{
			Name:     "同名区",
			Adcode:   fmt.Sprintf("99%02d01", i),
			Province: "某省",
			Level:    weatherflow.LevelDistrict,
		})
	}
	r, err := NewResolver(records, WithLimit(5))
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	candidates, err := r.Resolve(context.Background(), "同名区")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(candidates) != 5 {
		t.Errorf("expected limit of 5 candidates, got %d", len(candidates))
	}
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"北京市":     "北京",
		"北京城区":    "北京城",
		"内蒙古自治区":  "内蒙古",
		"香港特别行政区": "香港",
		"锡林郭勒盟":   "锡林郭勒",
		"朝阳区":     "朝阳",
		"浦东":      "浦东",
		"区":       "区",
	}
	for input, want := range cases {
		if got := normalizeName(input); got != want {
			t.Errorf("normalizeName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestLoadDataset_RejectsBadRecords(t *testing.T) {
	_, err := NewResolver(nil)
	if err == nil {
		t.Error("expected error for empty dataset")
	}

	_, err = NewResolver([]weatherflow.CityRecord{
		{Name: "坏记录", Adcode: "12345", Level: weatherflow.LevelCity},
		{Name: "坏记录", Adcode: "12345", Level: weatherflow.LevelCity},
	})
	if err == nil {
		t.Error("expected error for duplicate adcodes")
	}
}
