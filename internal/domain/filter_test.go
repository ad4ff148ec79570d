package domain_test

import (
	"errors"
	"testing"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

func setID(id int64) *domain.DistributionSetID {
	v := domain.DistributionSetID(id)
	return &v
}

var testFleet = []domain.Target{
	{ID: "dev-1", Name: "edge-a", Attributes: map[string]string{"region": "us-east"}, UpdateStatus: domain.TargetUpdateStatusInSync, InstalledSet: setID(3)},
	{ID: "dev-2", Name: "edge-b", Attributes: map[string]string{"region": "us-west"}, UpdateStatus: domain.TargetUpdateStatusPending, TypeName: "gateway"},
	{ID: "lab-1", Name: "bench", Attributes: map[string]string{"region": "eu-west"}, Metadata: map[string]string{"owner": "qa"}},
}

func matching(t *testing.T, query string) []domain.TargetID {
	t.Helper()
	f, err := domain.ParseTargetFilter(query)
	if err != nil {
		t.Fatalf("ParseTargetFilter(%q): %v", query, err)
	}
	var ids []domain.TargetID
	for _, tgt := range testFleet {
		if f.Matches(tgt) {
			ids = append(ids, tgt.ID)
		}
	}
	return ids
}

func TestTargetFilter_Matches(t *testing.T) {
	tests := []struct {
		query string
		want  []domain.TargetID
	}{
		{"", []domain.TargetID{"dev-1", "dev-2", "lab-1"}},
		{"id==dev-*", []domain.TargetID{"dev-1", "dev-2"}},
		{"attribute.region==us-*", []domain.TargetID{"dev-1", "dev-2"}},
		{"attribute.region==us-*;name!=edge-a", []domain.TargetID{"dev-2"}},
		{"metadata.owner==qa", []domain.TargetID{"lab-1"}},
		{"type==gateway", []domain.TargetID{"dev-2"}},
		{"updatestatus==in_sync", []domain.TargetID{"dev-1"}},
		{"installedds==3", []domain.TargetID{"dev-1"}},
		{"name==*-*", []domain.TargetID{"dev-1", "dev-2"}},
		{"attribute.region==mars", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := matching(t, tt.query)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestTargetFilter_Errors(t *testing.T) {
	for _, q := range []string{"region=us", "color==red", "attribute.==x", "label.env==prod"} {
		if _, err := domain.ParseTargetFilter(q); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("ParseTargetFilter(%q): got %v, want ErrInvalidArgument", q, err)
		}
	}
}

func TestAllOf(t *testing.T) {
	f, _ := domain.ParseTargetFilter("id==dev-*")
	m := domain.AllOf(f, domain.MatchFunc(func(t domain.Target) bool { return t.TypeName == "" }))
	if !m.Matches(testFleet[0]) || m.Matches(testFleet[1]) || m.Matches(testFleet[2]) {
		t.Fatal("AllOf must require every matcher")
	}
}
