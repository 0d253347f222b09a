package compliance

import (
	"testing"

	"github.com/bgdnvk/bouncer/internal/rules"
)

func TestCheckCriticalShortCircuits(t *testing.T) {
	table := []rules.ComplianceRule{
		{ID: "lambda-env-wipe", Pattern: `lambda update-function-configuration.*Variables=\{\}`, Severity: "CRITICAL", Reason: "wipes all function env vars"},
	}
	out := Check("aws lambda update-function-configuration --environment Variables={}", "", table)
	if !out.ShortCircuit {
		t.Error("expected ShortCircuit for CRITICAL finding")
	}
	if !out.ForceManual {
		t.Error("expected ForceManual for CRITICAL finding")
	}
	if len(out.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(out.Findings))
	}
}

func TestCheckHighForcesManualNotShortCircuit(t *testing.T) {
	table := []rules.ComplianceRule{
		{ID: "iam-wildcard-policy", Pattern: `Action"\s*:\s*"\*"`, Severity: "HIGH", JSONPath: "Statement", Reason: "wildcard IAM action"},
	}
	out := Check("aws iam put-role-policy --role-name x", `{"Statement":[{"Action":"*"}]}`, table)
	if out.ShortCircuit {
		t.Error("HIGH must not short-circuit")
	}
	if !out.ForceManual {
		t.Error("HIGH must force manual")
	}
}

func TestCheckNoHits(t *testing.T) {
	table := []rules.ComplianceRule{
		{ID: "never-matches", Pattern: `will-not-match-anything`, Severity: "HIGH"},
	}
	out := Check("aws s3 ls", "", table)
	if out.ForceManual || out.ShortCircuit {
		t.Error("expected no findings to force nothing")
	}
	if out.HighestRank != -1 {
		t.Errorf("expected HighestRank -1, got %d", out.HighestRank)
	}
}

func TestCheckMalformedTemplateForcesManual(t *testing.T) {
	table := []rules.ComplianceRule{
		{ID: "some-rule", Pattern: `x`, Severity: "HIGH", JSONPath: "Statement"},
	}
	out := Check("aws cloudformation deploy", "{not valid json", table)
	if !out.ForceManual {
		t.Error("a template parse error must force MANUAL")
	}
	if !out.TemplateParseErr {
		t.Error("expected TemplateParseErr to be set")
	}
}

func TestLambdaEnvOverwriteIsEmpty(t *testing.T) {
	cases := map[string]bool{
		"aws lambda update-function-configuration --environment Variables={}":    true,
		"aws lambda update-function-configuration --environment Variables={A=1}": false,
		"aws s3 ls":                                                              false,
	}
	for cmd, want := range cases {
		if got := LambdaEnvOverwriteIsEmpty(cmd); got != want {
			t.Errorf("LambdaEnvOverwriteIsEmpty(%q) = %v, want %v", cmd, got, want)
		}
	}
}

func TestRank(t *testing.T) {
	if Rank("CRITICAL") <= Rank("HIGH") {
		t.Error("CRITICAL must outrank HIGH")
	}
	if Rank("unknown-severity") != -1 {
		t.Error("unrecognized severity must rank -1")
	}
}
