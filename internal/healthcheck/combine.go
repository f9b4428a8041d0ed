package healthcheck

import "context"

// Combined runs several checkers in order and concatenates their results.
type Combined []Checker

func (c Combined) ListChecks(ctx context.Context) []CheckResult {
	results := make([]CheckResult, 0, len(c))
	for _, checker := range c {
		if checker == nil {
			continue
		}
		results = append(results, checker.ListChecks(ctx)...)
	}
	return results
}

// Overall folds results into one status. Any error wins over warnings;
// an empty list is unknown.
func Overall(results []CheckResult) string {
	if len(results) == 0 {
		return StatusUnknown
	}
	status := StatusOK
	for _, item := range results {
		switch item.Status {
		case StatusError:
			return StatusError
		case StatusWarn, StatusUnknown:
			status = StatusWarn
		}
	}
	return status
}
