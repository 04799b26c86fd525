package pipeline

import (
	"regexp"
	"strings"

	"github.com/conveyor-dev/conveyor/pkg/models"
)

// Verdict is the pass/fail outcome derived from a stage report.
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictFail
)

func (v Verdict) String() string {
	if v == VerdictFail {
		return "FAIL"
	}
	return "PASS"
}

// verdictMarker matches the explicit verdict line workers are instructed to
// end their reports with. The last occurrence in the report wins, so a worker
// quoting the instruction earlier in its output does not confuse the result.
var verdictMarker = regexp.MustCompile(`(?i)VERDICT:\s*(PASS|FAIL)`)

// stageSignals holds the per-stage keyword tiers used when a report carries
// no explicit verdict marker. Clean signals take precedence over finding
// keywords: "no vulnerabilities found" must not fail on "found".
type stageSignals struct {
	clean    []string
	findings []string
}

var signalsByStage = map[models.StageKey]stageSignals{
	models.StageSecurity: {
		clean: []string{
			"no vulnerabilities",
			"no security issues",
			"no issues found",
			"nothing found",
			"all clear",
			"looks good",
			"lgtm",
		},
		findings: []string{
			"vulnerab",
			"injection",
			"exploit",
			"insecure",
			"security issue",
			"found",
		},
	},
	models.StageTester: {
		clean: []string{
			"all tests pass",
			"tests pass",
			"all passing",
			"no failures",
			"0 failed",
			"looks good",
		},
		findings: []string{
			"fail",
			"error",
			"panic",
			"broken",
			"flaky",
		},
	},
	models.StageReviewer: {
		clean: []string{
			"approved",
			"lgtm",
			"looks good",
			"no blocking",
			"ship it",
		},
		findings: []string{
			"must fix",
			"needs changes",
			"request changes",
			"blocking",
			"reject",
			"critical",
		},
	},
	models.StageCoder: {
		clean: []string{
			"implemented",
			"completed",
			"pushed",
			"done",
		},
		findings: []string{
			"unable to",
			"cannot complete",
			"could not complete",
			"gave up",
			"blocked on",
		},
	},
}

// Classify derives a pass/fail verdict from a stage report. Precedence, most
// authoritative first:
//
//  1. an explicit "VERDICT: PASS|FAIL" marker (last occurrence wins),
//  2. stage-specific clean signals ("no vulnerabilities found"),
//  3. stage-specific finding keywords.
//
// A report matching nothing passes: stages report findings, not successes,
// and silence on problems means the stage found none.
func Classify(stage models.StageKey, report string) Verdict {
	if ms := verdictMarker.FindAllStringSubmatch(report, -1); len(ms) > 0 {
		if strings.EqualFold(ms[len(ms)-1][1], "FAIL") {
			return VerdictFail
		}
		return VerdictPass
	}

	sig, ok := signalsByStage[stage]
	if !ok {
		return VerdictPass
	}
	lower := strings.ToLower(report)
	for _, s := range sig.clean {
		if strings.Contains(lower, s) {
			return VerdictPass
		}
	}
	for _, s := range sig.findings {
		if strings.Contains(lower, s) {
			return VerdictFail
		}
	}
	return VerdictPass
}
