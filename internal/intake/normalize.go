// internal/intake/normalize.go
package intake

import (
	"regexp"
	"strconv"
	"strings"

	"loan-orchestrator/internal/models"
)

var (
	numberPattern  = regexp.MustCompile(`^(-?\d[\d,]*(?:\.\d+)?)(.*)$`)
	separators     = strings.NewReplacer(" ", "_", "-", "_", "/", "_")
	unitSeparators = strings.NewReplacer("/", " per ", ".", " ", "-", " ")
)

var (
	scaleWords    = map[string]float64{"k": 1_000, "thousand": 1_000, "m": 1_000_000, "mn": 1_000_000, "million": 1_000_000}
	currencyWords = map[string]bool{"dollar": true, "dollars": true, "usd": true}
	periodLead    = map[string]bool{"a": true, "an": true, "per": true, "each": true, "every": true}
	yearWords     = map[string]bool{"year": true, "yr": true, "annum": true, "annually": true, "yearly": true}
	monthWords    = map[string]bool{"month": true, "mo": true, "monthly": true}
)

var numericFields = map[string]bool{
	models.FieldLoanAmount:     true,
	models.FieldLoanTermMonths: true,
	models.FieldAnnualIncome:   true,
	models.FieldMonthlyDebt:    true,
}

var employmentAliases = map[string]string{
	"full_time":      "employed",
	"part_time":      "employed",
	"salaried":       "employed",
	"employee":       "employed",
	"selfemployed":   "self_employed",
	"freelance":      "self_employed",
	"freelancer":     "self_employed",
	"business_owner": "self_employed",
	"contract":       "contractor",
	"jobless":        "unemployed",
}

// EmploymentStatuses are the accepted normalized values.
var EmploymentStatuses = []string{"employed", "self_employed", "contractor", "unemployed", "retired", "student"}

// Normalize drops keys outside the intake checklist and coerces values
// into the shapes the record rules expect. Values that cannot be coerced
// are kept as-is so validation can report them.
func Normalize(extracted map[string]interface{}) models.FieldSet {
	out := make(models.FieldSet, len(extracted))
	for key, value := range extracted {
		key = strings.ToLower(strings.TrimSpace(key))
		if !models.IsKnownField(key) || value == nil {
			continue
		}

		switch {
		case numericFields[key]:
			out[key] = normalizeNumber(key, value)
		case key == models.FieldEmploymentStatus:
			out[key] = normalizeEmployment(value)
		case key == models.FieldEmail:
			out[key] = strings.ToLower(strings.TrimSpace(toString(value)))
		case key == models.FieldNationalID:
			out[key] = strings.TrimSpace(toString(value))
		default:
			if s, ok := value.(string); ok {
				out[key] = strings.TrimSpace(s)
			} else {
				out[key] = value
			}
		}
	}
	return out
}

// normalizeNumber parses a leading number plus the words that may follow it
// for the given field: a scale (k, thousand, m, million) and currency for
// amounts, a period for income and debt, months or years for the term.
// Any other trailing text leaves the original string in place.
func normalizeNumber(field string, v interface{}) interface{} {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		s := strings.ToLower(strings.TrimSpace(n))
		s = strings.TrimSpace(strings.TrimPrefix(s, "usd"))
		s = strings.TrimSpace(strings.TrimPrefix(s, "$"))
		m := numberPattern.FindStringSubmatch(s)
		if m == nil {
			return n
		}
		f, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil {
			return n
		}
		factor, ok := unitFactor(field, strings.Fields(unitSeparators.Replace(m[2])))
		if !ok {
			return n
		}
		return f * factor
	default:
		return v
	}
}

func unitFactor(field string, words []string) (float64, bool) {
	if field == models.FieldLoanTermMonths {
		switch strings.Join(words, " ") {
		case "", "month", "months", "mo", "mos":
			return 1, true
		case "year", "years", "yr", "yrs":
			return 12, true
		}
		return 0, false
	}

	factor := 1.0
	if len(words) > 0 {
		if scale, ok := scaleWords[words[0]]; ok {
			factor = scale
			words = words[1:]
		}
	}
	if len(words) > 0 && currencyWords[words[0]] {
		words = words[1:]
	}
	if len(words) > 0 && periodLead[words[0]] {
		words = words[1:]
	}

	period := strings.Join(words, " ")
	if period == "" {
		return factor, true
	}
	switch field {
	case models.FieldAnnualIncome:
		if yearWords[period] {
			return factor, true
		}
		if monthWords[period] {
			return factor * 12, true
		}
	case models.FieldMonthlyDebt:
		if monthWords[period] {
			return factor, true
		}
		if yearWords[period] {
			return factor / 12, true
		}
	}
	return 0, false
}

func normalizeEmployment(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	key := separators.Replace(strings.ToLower(strings.TrimSpace(s)))
	if alias, ok := employmentAliases[key]; ok {
		return alias
	}
	return key
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}
