package series

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/brent-changepoint/pkg/utils"
)

// Issue types reported by the quality validator.
const (
	IssueNoData        = "NO_DATA"
	IssueTooShort      = "TOO_SHORT"
	IssueGap           = "GAP_DETECTED"
	IssueNonPositive   = "NON_POSITIVE_PRICE"
	IssueExtremeMove   = "EXTREME_MOVE"
	IssueFlatRun       = "FLAT_RUN"
	IssueDuplicateDate = "DUPLICATE_DATE"
	IssueOutOfOrder    = "OUT_OF_ORDER"
)

// Issue severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

const minUsableObservations = 2

// QualityValidator checks a price series before it is handed to the
// changepoint engine.
type QualityValidator struct {
	logger *zap.Logger

	// Configuration
	MaxGap       time.Duration // Calendar gap between observations that counts as missing data
	MaxDailyMove float64       // Max absolute relative change between observations (0.5 = 50%)
	MaxFlatRun   int           // Identical consecutive prices beyond which a run looks forward filled
}

// DataIssue represents a data quality problem
type DataIssue struct {
	Type     string    `json:"type"`
	Severity string    `json:"severity"`
	Date     time.Time `json:"date"`
	Series   string    `json:"series"`
	Message  string    `json:"message"`
	Value    string    `json:"value,omitempty"`
	Index    int       `json:"index,omitempty"`
}

// QualityReport summarizes data quality assessment
type QualityReport struct {
	Series       string      `json:"series"`
	Observations int         `json:"observations"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"quality_score"` // 0-100
	IsUsable     bool        `json:"is_usable"`

	GapCount          int `json:"gap_count"`
	PriceAnomalyCount int `json:"price_anomaly_count"`

	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Duration  string    `json:"duration"`

	Recommendations []string `json:"recommendations"`
}

// NewQualityValidator creates a validator for daily commodity prices, which
// skip weekends and exchange holidays.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:       logger,
		MaxGap:       7 * 24 * time.Hour,
		MaxDailyMove: 0.5,
		MaxFlatRun:   10,
	}
}

// Validate runs all quality checks on a series
func (v *QualityValidator) Validate(s *Series) *QualityReport {
	obs := s.Observations
	if len(obs) == 0 {
		return &QualityReport{
			Series:          s.Name,
			Issues:          []DataIssue{{Type: IssueNoData, Severity: SeverityCritical, Series: s.Name, Message: "No observations"}},
			Recommendations: []string{"Provide a non-empty price file"},
		}
	}

	var issues []DataIssue
	if len(obs) < minUsableObservations {
		issues = append(issues, DataIssue{
			Type:     IssueTooShort,
			Severity: SeverityCritical,
			Date:     obs[0].Date,
			Series:   s.Name,
			Message:  "A changepoint needs at least " + strconv.Itoa(minUsableObservations) + " observations",
		})
	}
	issues = append(issues, v.checkGaps(s)...)
	issues = append(issues, v.checkPrices(s)...)
	issues = append(issues, v.checkFlatRuns(s)...)
	issues = append(issues, v.checkDuplicates(s)...)
	issues = append(issues, v.checkChronologicalOrder(s)...)

	score := v.calculateQualityScore(len(obs), issues)
	start, end := obs[0].Date, obs[len(obs)-1].Date

	report := &QualityReport{
		Series:            s.Name,
		Observations:      len(obs),
		Issues:            issues,
		QualityScore:      score,
		IsUsable:          score >= 70 && !hasCriticalIssues(issues),
		GapCount:          countIssuesByType(issues, IssueGap),
		PriceAnomalyCount: countIssuesByType(issues, IssueNonPositive, IssueExtremeMove),
		StartDate:         start,
		EndDate:           end,
		Duration:          utils.FormatDuration(end.Sub(start)),
		Recommendations:   generateRecommendations(issues, len(obs)),
	}

	v.logger.Debug("series quality checked",
		zap.String("series", s.Name),
		zap.Int("observations", len(obs)),
		zap.Int("issues", len(issues)),
		zap.Int("score", score),
	)
	return report
}

// checkGaps finds calendar gaps larger than MaxGap
func (v *QualityValidator) checkGaps(s *Series) []DataIssue {
	var issues []DataIssue
	obs := s.Observations

	// Median spacing tells daily data from weekly or monthly data.
	intervals := make([]time.Duration, 0, len(obs))
	for i := 1; i < len(obs); i++ {
		intervals = append(intervals, obs[i].Date.Sub(obs[i-1].Date))
	}
	if len(intervals) == 0 {
		return nil
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	limit := v.MaxGap
	if median := intervals[len(intervals)/2]; median*3 > limit {
		limit = median * 3
	}

	for i := 1; i < len(obs); i++ {
		gap := obs[i].Date.Sub(obs[i-1].Date)
		if gap <= limit {
			continue
		}
		severity := SeverityMedium
		if gap > limit*4 {
			severity = SeverityHigh
		}
		issues = append(issues, DataIssue{
			Type:     IssueGap,
			Severity: severity,
			Date:     obs[i-1].Date,
			Series:   s.Name,
			Message:  "Data gap of " + utils.FormatDuration(gap) + " after this date",
			Value:    strconv.Itoa(int(gap.Hours()/24)) + "d",
			Index:    i - 1,
		})
	}
	return issues
}

// checkPrices finds non-positive prices and extreme moves
func (v *QualityValidator) checkPrices(s *Series) []DataIssue {
	var issues []DataIssue
	obs := s.Observations

	for i, o := range obs {
		if !o.Price.IsPositive() {
			issues = append(issues, DataIssue{
				Type:     IssueNonPositive,
				Severity: SeverityHigh,
				Date:     o.Date,
				Series:   s.Name,
				Message:  "Non-positive price breaks log returns",
				Value:    o.Price.String(),
				Index:    i,
			})
			continue
		}
		if i == 0 || !obs[i-1].Price.IsPositive() {
			continue
		}

		change := utils.CalculatePercentageChange(obs[i-1].Price, o.Price)
		move := change.Abs().Div(decimal.NewFromInt(100)).InexactFloat64()
		if move > v.MaxDailyMove {
			issues = append(issues, DataIssue{
				Type:     IssueExtremeMove,
				Severity: SeverityMedium,
				Date:     o.Date,
				Series:   s.Name,
				Message:  "Extreme move: " + change.StringFixed(2) + "%",
				Value:    change.StringFixed(4),
				Index:    i,
			})
		}
	}
	return issues
}

// checkFlatRuns flags long runs of an unchanged price, the trace of heavy
// forward filling.
func (v *QualityValidator) checkFlatRuns(s *Series) []DataIssue {
	if v.MaxFlatRun <= 0 {
		return nil
	}
	var issues []DataIssue
	obs := s.Observations

	runStart := 0
	for i := 1; i <= len(obs); i++ {
		if i < len(obs) && obs[i].Price.Equal(obs[runStart].Price) {
			continue
		}
		if length := i - runStart; length > v.MaxFlatRun {
			issues = append(issues, DataIssue{
				Type:     IssueFlatRun,
				Severity: SeverityLow,
				Date:     obs[runStart].Date,
				Series:   s.Name,
				Message:  strconv.Itoa(length) + " consecutive identical prices",
				Value:    obs[runStart].Price.String(),
				Index:    runStart,
			})
		}
		runStart = i
	}
	return issues
}

// checkDuplicates finds repeated dates
func (v *QualityValidator) checkDuplicates(s *Series) []DataIssue {
	var issues []DataIssue
	seen := make(map[time.Time]int)

	for i, o := range s.Observations {
		if first, ok := seen[o.Date]; ok {
			issues = append(issues, DataIssue{
				Type:     IssueDuplicateDate,
				Severity: SeverityHigh,
				Date:     o.Date,
				Series:   s.Name,
				Message:  "Duplicate date (also at index " + strconv.Itoa(first) + ")",
				Index:    i,
			})
			continue
		}
		seen[o.Date] = i
	}
	return issues
}

// checkChronologicalOrder ensures dates ascend
func (v *QualityValidator) checkChronologicalOrder(s *Series) []DataIssue {
	var issues []DataIssue
	obs := s.Observations

	for i := 1; i < len(obs); i++ {
		if obs[i].Date.Before(obs[i-1].Date) {
			issues = append(issues, DataIssue{
				Type:     IssueOutOfOrder,
				Severity: SeverityCritical,
				Date:     obs[i].Date,
				Series:   s.Name,
				Message:  "Observation is out of chronological order",
				Index:    i,
			})
		}
	}
	return issues
}

// calculateQualityScore returns a 0-100 score
func (v *QualityValidator) calculateQualityScore(total int, issues []DataIssue) int {
	if total == 0 {
		return 0
	}

	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			penalty += 10.0
		case SeverityHigh:
			penalty += 5.0
		case SeverityMedium:
			penalty += 2.0
		case SeverityLow:
			penalty += 0.5
		}
	}

	// Longer series tolerate more isolated issues.
	normalized := penalty / math.Max(1, float64(total)/100) * 10
	score := 100.0 - math.Min(normalized, 100)
	return int(math.Max(0, math.Min(100, score)))
}

func hasCriticalIssues(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func generateRecommendations(issues []DataIssue, total int) []string {
	var recs []string
	counts := make(map[string]int)
	for _, issue := range issues {
		counts[issue.Type]++
	}

	if counts[IssueTooShort] > 0 {
		recs = append(recs, "Extend the date range: the series is too short to split into two segments")
	}
	if counts[IssueGap] > 0 {
		recs = append(recs, "Check the source for missing periods; forward filling across long gaps flattens the series")
	}
	if counts[IssueNonPositive] > 0 {
		recs = append(recs, "Remove non-positive prices before computing log returns")
	}
	if counts[IssueExtremeMove] > total/100 {
		recs = append(recs, "Many extreme moves detected; verify units and data source")
	}
	if counts[IssueFlatRun] > 0 {
		recs = append(recs, "Long flat runs may be fill artefacts and can attract the changepoint")
	}
	if counts[IssueDuplicateDate] > 0 {
		recs = append(recs, "Remove duplicate dates before detection")
	}
	if counts[IssueOutOfOrder] > 0 {
		recs = append(recs, "Sort observations by date before detection")
	}
	if len(recs) == 0 {
		recs = append(recs, "Data quality is acceptable for changepoint detection")
	}
	return recs
}

func countIssuesByType(issues []DataIssue, types ...string) int {
	count := 0
	for _, issue := range issues {
		for _, t := range types {
			if issue.Type == t {
				count++
				break
			}
		}
	}
	return count
}
