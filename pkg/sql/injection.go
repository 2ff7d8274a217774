package sql

import (
	"strconv"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult contains the result of an injection check on a
// statement or parameter value.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	Source      string // What was checked: "statement" or the parameter name
}

// ScreenStatementParams runs libinjection over the bound parameter values
// of a governed statement. Only string values are checked - numbers,
// booleans, and other types cannot carry injection patterns.
//
// Returns one result per suspicious parameter; an empty slice means the
// statement's inputs are clean. Detections do not block execution (the
// statement is already parameterized); they are recorded in the query
// audit metadata and logged as security events for anomaly detection.
func ScreenStatementParams(args []any) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	for i, value := range args {
		strValue, ok := value.(string)
		if !ok {
			continue
		}
		isSQLi, fingerprint := libinjection.IsSQLi(strValue)
		if isSQLi {
			results = append(results, &InjectionCheckResult{
				IsSQLi:      true,
				Fingerprint: string(fingerprint),
				Source:      paramName(i),
			})
		}
	}
	return results
}

func paramName(i int) string {
	return "$" + strconv.Itoa(i+1)
}
