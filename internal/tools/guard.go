// internal/tools/guard.go
package tools

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/models"
)

var (
	sensitiveIDPattern = regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`)
	// digitRun matches digits joined only by separators, so "123 45 6789"
	// is one run while letters split runs apart.
	digitRun = regexp.MustCompile(`\d(?:[\s\-./]*\d)*`)
)

// IdentifierGuard enforces that tool calls carry only the record's opaque
// applicant reference and never the raw national identifier.
type IdentifierGuard struct {
	applicantRef string
	rawDigits    string
}

func NewIdentifierGuard(record models.LoanApplication) *IdentifierGuard {
	return &IdentifierGuard{
		applicantRef: record.ApplicantRef,
		rawDigits:    models.DigitsOnly(record.NationalID),
	}
}

func (g *IdentifierGuard) Check(capability, applicantRef string, params map[string]interface{}) error {
	if g.isSensitive(applicantRef) {
		return apperrors.NewPrivacyViolationError(capability, "identity parameter is a raw national identifier")
	}
	if _, err := uuid.Parse(applicantRef); err != nil || applicantRef != g.applicantRef {
		return apperrors.NewPrivacyViolationError(capability, "identity parameter is not the applicant's surrogate reference")
	}
	if path, found := g.scan("parameters", params); found {
		return apperrors.NewPrivacyViolationError(capability, fmt.Sprintf("raw national identifier in %s", path))
	}
	return nil
}

func (g *IdentifierGuard) isSensitive(s string) bool {
	if g.rawDigits != "" {
		for _, run := range digitRun.FindAllString(s, -1) {
			if strings.Contains(models.DigitsOnly(run), g.rawDigits) {
				return true
			}
		}
	}
	return sensitiveIDPattern.MatchString(s)
}

func (g *IdentifierGuard) scan(path string, v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return path, g.isSensitive(val)
	case float64:
		if val == float64(int64(val)) {
			return path, g.isSensitive(strconv.FormatInt(int64(val), 10))
		}
	case int:
		return path, g.isSensitive(strconv.Itoa(val))
	case int64:
		return path, g.isSensitive(strconv.FormatInt(val, 10))
	case map[string]interface{}:
		for k, item := range val {
			if p, found := g.scan(path+"."+k, item); found {
				return p, true
			}
		}
	case []interface{}:
		for i, item := range val {
			if p, found := g.scan(fmt.Sprintf("%s[%d]", path, i), item); found {
				return p, true
			}
		}
	}
	return "", false
}
