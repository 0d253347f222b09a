package risk

import (
	"testing"

	"github.com/bgdnvk/bouncer/internal/rules"
)

func TestScoreSumsWeights(t *testing.T) {
	table := []rules.RiskRule{
		{ID: "r1", Pattern: `ec2`, Weight: 20, Category: "compute", Reason: "touches ec2"},
		{ID: "r2", Pattern: `terminate`, Weight: 30, Category: "destructive", Reason: "terminates a resource"},
	}
	result := Score("aws ec2 terminate-instances --instance-ids i-1", table)
	if result.Score != 50 {
		t.Errorf("expected score 50, got %d", result.Score)
	}
	if len(result.Hits) != 2 {
		t.Errorf("expected 2 hits, got %d", len(result.Hits))
	}
	if result.CategoryBreakdown["compute"] != 20 || result.CategoryBreakdown["destructive"] != 30 {
		t.Errorf("unexpected breakdown: %+v", result.CategoryBreakdown)
	}
}

func TestScoreClampsAt100(t *testing.T) {
	table := []rules.RiskRule{
		{ID: "r1", Pattern: `aws`, Weight: 80, Category: "x"},
		{ID: "r2", Pattern: `aws`, Weight: 80, Category: "x"},
	}
	result := Score("aws s3 ls", table)
	if result.Score != 100 {
		t.Errorf("expected clamped score 100, got %d", result.Score)
	}
}

func TestScoreNoMatches(t *testing.T) {
	table := []rules.RiskRule{{ID: "r1", Pattern: `never-matches-xyz`, Weight: 10}}
	result := Score("aws s3 ls", table)
	if result.Score != 0 {
		t.Errorf("expected score 0, got %d", result.Score)
	}
	if len(result.Hits) != 0 {
		t.Errorf("expected no hits, got %v", result.Hits)
	}
}

func TestScoreBadRuleFailsClosed(t *testing.T) {
	table := []rules.RiskRule{{ID: "bad", Pattern: `(`, Weight: 10}}
	result := Score("aws s3 ls", table)
	if result.Score != FailClosedScore {
		t.Errorf("expected fail-closed score %d, got %d", FailClosedScore, result.Score)
	}
}
