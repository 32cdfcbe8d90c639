package series_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/brent-changepoint/internal/series"
)

func dailySeries(name string, start time.Time, prices []float64) *series.Series {
	obs := make([]series.Observation, len(prices))
	for i, p := range prices {
		obs[i] = series.Observation{Date: start.AddDate(0, 0, i), Price: decimal.NewFromFloat(p)}
	}
	return &series.Series{Name: name, Observations: obs}
}

func countType(issues []series.DataIssue, typ string) int {
	n := 0
	for _, issue := range issues {
		if issue.Type == typ {
			n++
		}
	}
	return n
}

func TestQualityCleanSeries(t *testing.T) {
	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 60 + float64(i)*0.5
	}
	s := dailySeries("brent", day(2020, 1, 1), prices)

	report := series.NewQualityValidator(zap.NewNop()).Validate(s)
	if len(report.Issues) != 0 {
		t.Errorf("unexpected issues: %+v", report.Issues)
	}
	if report.QualityScore != 100 || !report.IsUsable {
		t.Errorf("score=%d usable=%v, want 100 and usable", report.QualityScore, report.IsUsable)
	}
	if report.Observations != 30 || !report.StartDate.Equal(day(2020, 1, 1)) {
		t.Errorf("unexpected report header %+v", report)
	}
	if len(report.Recommendations) != 1 {
		t.Errorf("recommendations = %v", report.Recommendations)
	}
}

func TestQualityDetectsIssues(t *testing.T) {
	prices := make([]float64, 40)
	for i := range prices {
		switch {
		case i < 12:
			prices[i] = 60
		default:
			prices[i] = 60 + float64(i-11)
		}
	}
	prices[30] = 200 // up more than 50%, then back down
	prices[35] = 0

	s := dailySeries("brent", day(2020, 1, 1), prices)
	// Open a 30 day hole after observation 20.
	for i := 21; i < len(s.Observations); i++ {
		s.Observations[i].Date = s.Observations[i].Date.AddDate(0, 0, 30)
	}

	report := series.NewQualityValidator(zap.NewNop()).Validate(s)
	t.Logf("score=%d issues=%d", report.QualityScore, len(report.Issues))

	if report.GapCount != 1 {
		t.Errorf("GapCount = %d, want 1", report.GapCount)
	}
	if got := countType(report.Issues, series.IssueNonPositive); got != 1 {
		t.Errorf("non-positive issues = %d, want 1", got)
	}
	if got := countType(report.Issues, series.IssueExtremeMove); got != 2 {
		t.Errorf("extreme moves = %d, want 2", got)
	}
	if report.PriceAnomalyCount != 3 {
		t.Errorf("PriceAnomalyCount = %d, want 3", report.PriceAnomalyCount)
	}
	if got := countType(report.Issues, series.IssueFlatRun); got != 1 {
		t.Errorf("flat runs = %d, want 1", got)
	}
	if report.QualityScore >= 100 {
		t.Errorf("QualityScore = %d, want < 100", report.QualityScore)
	}
	if report.IsUsable {
		t.Error("series with this many issues should not be usable")
	}
}

func TestQualityOrderingAndLength(t *testing.T) {
	validator := series.NewQualityValidator(zap.NewNop())

	empty := validator.Validate(&series.Series{Name: "none"})
	if empty.IsUsable || countType(empty.Issues, series.IssueNoData) != 1 {
		t.Errorf("empty series report = %+v", empty)
	}

	single := validator.Validate(dailySeries("one", day(2020, 1, 1), []float64{70}))
	if single.IsUsable || countType(single.Issues, series.IssueTooShort) != 1 {
		t.Errorf("single observation report = %+v", single)
	}

	unordered := &series.Series{Name: "x", Observations: []series.Observation{
		{Date: day(2020, 1, 2), Price: decimal.NewFromInt(70)},
		{Date: day(2020, 1, 1), Price: decimal.NewFromInt(71)},
		{Date: day(2020, 1, 1), Price: decimal.NewFromInt(72)},
	}}
	report := validator.Validate(unordered)
	if countType(report.Issues, series.IssueOutOfOrder) != 1 {
		t.Errorf("out-of-order issues = %d, want 1", countType(report.Issues, series.IssueOutOfOrder))
	}
	if countType(report.Issues, series.IssueDuplicateDate) != 1 {
		t.Errorf("duplicate issues = %d, want 1", countType(report.Issues, series.IssueDuplicateDate))
	}
	if report.IsUsable {
		t.Error("out-of-order series should not be usable")
	}
}
