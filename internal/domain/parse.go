package domain

import "fmt"

// ParseVisibility converts external input into a Visibility. Empty input is
// valid and means "no filter".
func ParseVisibility(value string) (Visibility, error) {
	switch Visibility(value) {
	case "", VisibilityDefault, VisibilityOptIn, VisibilityExperimental:
		return Visibility(value), nil
	default:
		return "", E(CodeInvalidArgument, "domain.ParseVisibility", fmt.Sprintf("unknown visibility %q", value), nil)
	}
}

// ParseDetailLevel converts external input into a DetailLevel. Empty input
// defaults to summary.
func ParseDetailLevel(value string) (DetailLevel, error) {
	switch DetailLevel(value) {
	case "":
		return DetailSummary, nil
	case DetailSummary, DetailSchema, DetailFull:
		return DetailLevel(value), nil
	default:
		return "", E(CodeInvalidArgument, "domain.ParseDetailLevel", fmt.Sprintf("unknown detail level %q", value), nil)
	}
}
