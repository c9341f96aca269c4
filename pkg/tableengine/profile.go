// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package tableengine

import (
	"context"
	"database/sql"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tablehouse/tablehouse/pkg/branch"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

// Profile modes.
const (
	ProfileBasic   = "basic"
	ProfileQuality = "quality"
)

// ColumnProfile carries per-column statistics. Numeric-only and text-only
// fields stay nil when they do not apply.
type ColumnProfile struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Count    int64  `json:"count"`
	Nulls    int64  `json:"nulls"`
	Distinct int64  `json:"distinct"`

	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Mean *float64 `json:"mean,omitempty"`

	MinLength *int64 `json:"min_length,omitempty"`
	MaxLength *int64 `json:"max_length,omitempty"`

	// Quality-mode fields.
	StdDev      *float64           `json:"std_dev,omitempty"`
	Skewness    *float64           `json:"skewness,omitempty"`
	Kurtosis    *float64           `json:"kurtosis,omitempty"`
	Percentiles map[string]float64 `json:"percentiles,omitempty"`
	Outliers    int64              `json:"outliers,omitempty"`
	Pattern     string             `json:"pattern,omitempty"`
}

// Correlation is a Pearson correlation between two numeric columns.
type Correlation struct {
	ColumnA     string  `json:"column_a"`
	ColumnB     string  `json:"column_b"`
	Coefficient float64 `json:"coefficient"`
}

// TableProfile is the result of profiling a table.
type TableProfile struct {
	Table       string          `json:"table"`
	Mode        string          `json:"mode"`
	RowCount    int64           `json:"row_count"`
	Columns     []ColumnProfile `json:"columns"`
	GeneratedAt time.Time       `json:"generated_at"`

	// Quality-mode fields.
	Correlations []Correlation `json:"correlations,omitempty"`
	QualityScore *float64      `json:"quality_score,omitempty"`
	Rating       string        `json:"rating,omitempty"`
}

// Value patterns detected in quality mode, checked in order.
var patternDetectors = []struct {
	name string
	re   *regexp.Regexp
}{
	{"uuid", regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)},
	{"email", regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)},
	{"url", regexp.MustCompile(`^https?://\S+$`)},
	{"ipv4", regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)},
	{"date_iso", regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:?\d{2})?)?$`)},
	{"phone", regexp.MustCompile(`^\+?[0-9][0-9 ().-]{6,}$`)},
}

// patternSampleSize caps how many values feed pattern detection.
const patternSampleSize = 1000

// correlationLimit caps reported correlations to the strongest pairs.
const correlationLimit = 20

// minCorrelation is the reporting threshold on |r|.
const minCorrelation = 0.3

// Profile computes per-column statistics. Basic mode is aggregate queries
// only; quality mode additionally pulls numeric columns into memory for
// distribution shape and outliers, reads column pairs back for correlations,
// and assigns an overall score.
func (e *Engine) Profile(ctx context.Context, project, branchID string, ref registry.TableRef, mode string) (_ *TableProfile, err error) {
	defer mon.Task()(&ctx)(&err)

	if mode == "" {
		mode = ProfileBasic
	}

	loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentRead)
	if err != nil {
		return nil, err
	}
	db, err := e.open(ctx, loc.Path, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	columns, _, err := e.schemaOf(ctx, db, ref.Name)
	if err != nil {
		return nil, err
	}

	profile := &TableProfile{
		Table:       ref.Name,
		Mode:        mode,
		GeneratedAt: time.Now().UTC(),
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(ref.Name)).Scan(&profile.RowCount); err != nil {
		return nil, Error.Wrap(err)
	}

	numericOrder := []string{}

	for _, col := range columns {
		cp, err := e.profileColumn(ctx, db, ref.Name, col)
		if err != nil {
			return nil, err
		}
		if mode == ProfileQuality {
			if IsNumericType(col.Type) {
				values, err := e.numericValues(ctx, db, ref.Name, col.Name)
				if err != nil {
					return nil, err
				}
				e.shapeStats(cp, values)
				numericOrder = append(numericOrder, col.Name)
			} else if col.Type == TypeText {
				pattern, err := e.detectPattern(ctx, db, ref.Name, col.Name)
				if err != nil {
					return nil, err
				}
				cp.Pattern = pattern
			}
		}
		profile.Columns = append(profile.Columns, *cp)
	}

	if mode == ProfileQuality {
		profile.Correlations, err = e.correlations(ctx, db, ref.Name, numericOrder)
		if err != nil {
			return nil, err
		}
		score, rating := qualityScore(profile)
		profile.QualityScore = &score
		profile.Rating = rating
	}
	return profile, nil
}

func (e *Engine) profileColumn(ctx context.Context, db *sql.DB, tableName string, col registry.Column) (*ColumnProfile, error) {
	cp := &ColumnProfile{Name: col.Name, Type: col.Type}
	quoted := quoteIdent(col.Name)
	table := quoteIdent(tableName)

	err := db.QueryRowContext(ctx,
		"SELECT COUNT("+quoted+"), COUNT(*) - COUNT("+quoted+"), COUNT(DISTINCT "+quoted+") FROM "+table).
		Scan(&cp.Count, &cp.Nulls, &cp.Distinct)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	switch {
	case IsNumericType(col.Type):
		var min, max, mean sql.NullFloat64
		err := db.QueryRowContext(ctx,
			"SELECT MIN("+quoted+"), MAX("+quoted+"), AVG("+quoted+") FROM "+table).
			Scan(&min, &max, &mean)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if min.Valid {
			cp.Min, cp.Max, cp.Mean = &min.Float64, &max.Float64, &mean.Float64
		}

	case col.Type == TypeText:
		var minLen, maxLen sql.NullInt64
		err := db.QueryRowContext(ctx,
			"SELECT MIN(LENGTH("+quoted+")), MAX(LENGTH("+quoted+")) FROM "+table).
			Scan(&minLen, &maxLen)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if minLen.Valid {
			cp.MinLength, cp.MaxLength = &minLen.Int64, &maxLen.Int64
		}
	}
	return cp, nil
}

func (e *Engine) numericValues(ctx context.Context, db *sql.DB, tableName, column string) ([]float64, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+quoteIdent(column)+" FROM "+quoteIdent(tableName)+" WHERE "+quoteIdent(column)+" IS NOT NULL")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, Error.Wrap(err)
		}
		values = append(values, v)
	}
	return values, Error.Wrap(rows.Err())
}

// shapeStats fills quality-mode distribution fields from the raw values.
func (e *Engine) shapeStats(cp *ColumnProfile, values []float64) {
	n := float64(len(values))
	if n == 0 {
		return
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	var m2, m3, m4 float64
	for _, v := range values {
		d := v - mean
		m2 += d * d
		m3 += d * d * d
		m4 += d * d * d * d
	}
	variance := m2 / n
	std := math.Sqrt(variance)
	cp.StdDev = &std
	if std > 0 && len(values) > 2 {
		skew := (m3 / n) / math.Pow(std, 3)
		kurt := (m4/n)/math.Pow(std, 4) - 3
		cp.Skewness = &skew
		cp.Kurtosis = &kurt
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	cp.Percentiles = map[string]float64{
		"q01": percentile(sorted, 0.01),
		"q05": percentile(sorted, 0.05),
		"q25": percentile(sorted, 0.25),
		"q50": percentile(sorted, 0.50),
		"q75": percentile(sorted, 0.75),
		"q95": percentile(sorted, 0.95),
		"q99": percentile(sorted, 0.99),
	}

	// 1.5 IQR fences
	q1, q3 := cp.Percentiles["q25"], cp.Percentiles["q75"]
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr
	for _, v := range values {
		if v < lo || v > hi {
			cp.Outliers++
		}
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// detectPattern samples a text column and names the dominant value pattern
// when at least 90% of the sample matches.
func (e *Engine) detectPattern(ctx context.Context, db *sql.DB, tableName, column string) (string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+quoteIdent(column)+" FROM "+quoteIdent(tableName)+
			" WHERE "+quoteIdent(column)+" IS NOT NULL LIMIT ?", patternSampleSize)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int{}
	total := 0
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", Error.Wrap(err)
		}
		total++
		v = strings.TrimSpace(v)
		for _, det := range patternDetectors {
			if det.re.MatchString(v) {
				counts[det.name]++
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return "", Error.Wrap(err)
	}
	if total == 0 {
		return "", nil
	}
	for _, det := range patternDetectors {
		if float64(counts[det.name]) >= 0.9*float64(total) {
			return det.name, nil
		}
	}
	return "", nil
}

// correlations computes Pearson r for every numeric column pair and reports
// the strongest ones above the threshold. Each pair is re-read from the table
// so that only rows where both values are present contribute.
func (e *Engine) correlations(ctx context.Context, db *sql.DB, tableName string, order []string) ([]Correlation, error) {
	var out []Correlation
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			a, b, err := e.pairedValues(ctx, db, tableName, order[i], order[j])
			if err != nil {
				return nil, err
			}
			r, ok := pearson(a, b)
			if ok && math.Abs(r) >= minCorrelation {
				out = append(out, Correlation{ColumnA: order[i], ColumnB: order[j], Coefficient: r})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return math.Abs(out[i].Coefficient) > math.Abs(out[j].Coefficient)
	})
	if len(out) > correlationLimit {
		out = out[:correlationLimit]
	}
	return out, nil
}

// pairedValues reads two numeric columns restricted to rows where both are
// non-NULL, keeping the slices row-aligned.
func (e *Engine) pairedValues(ctx context.Context, db *sql.DB, tableName, colA, colB string) (a, b []float64, err error) {
	qa, qb := quoteIdent(colA), quoteIdent(colB)
	rows, err := db.QueryContext(ctx,
		"SELECT "+qa+", "+qb+" FROM "+quoteIdent(tableName)+
			" WHERE "+qa+" IS NOT NULL AND "+qb+" IS NOT NULL")
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var va, vb float64
		if err := rows.Scan(&va, &vb); err != nil {
			return nil, nil, Error.Wrap(err)
		}
		a = append(a, va)
		b = append(b, vb)
	}
	return a, b, Error.Wrap(rows.Err())
}

func pearson(a, b []float64) (float64, bool) {
	n := len(a)
	if n < 3 {
		return 0, false
	}

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/float64(n), sumB/float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varA*varB), true
}

// qualityScore penalises mostly-null and outlier-heavy columns: 5 points per
// column over 50% nulls, 2 points per column over 5% outliers.
func qualityScore(profile *TableProfile) (float64, string) {
	score := 100.0
	for _, cp := range profile.Columns {
		total := cp.Count + cp.Nulls
		if total > 0 && float64(cp.Nulls) > 0.5*float64(total) {
			score -= 5
		}
		if cp.Count > 0 && float64(cp.Outliers) > 0.05*float64(cp.Count) {
			score -= 2
		}
	}
	if score < 0 {
		score = 0
	}
	switch {
	case score >= 90:
		return score, "Excellent"
	case score >= 75:
		return score, "Good"
	case score >= 50:
		return score, "Fair"
	default:
		return score, "Poor"
	}
}
