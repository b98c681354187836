package models

// Compliance is the three-state outcome assigned to each extracted finding.
type Compliance string

const (
	Compliant    Compliance = "compliant"
	NonCompliant Compliance = "non_compliant"
	NeedsReview  Compliance = "needs_review"
)

// RelatedRule identifies the rule a verdict was evaluated against.
type RelatedRule struct {
	ID          string `json:"id"`
	Requirement string `json:"requirement"`
	Source      string `json:"source,omitempty"`
}

// Verdict is one normalized compliance finding. Immutable after extraction.
type Verdict struct {
	ID             string      `json:"id"`
	Category       string      `json:"category"`
	Compliance     Compliance  `json:"compliance"`
	Confidence     float64     `json:"confidence"`
	Explanation    string      `json:"explanation"`
	LineRange      []int       `json:"line_range,omitempty"`
	File           string      `json:"file,omitempty"`
	Function       string      `json:"function,omitempty"`
	Recommendation string      `json:"recommendation,omitempty"`
	Rule           RelatedRule `json:"rule"`
}

// Summary aggregates verdict counts per outcome. The counts always sum to
// the number of verdicts they were built from.
type Summary struct {
	Total        int        `json:"total"`
	Compliant    int        `json:"compliant"`
	NonCompliant int        `json:"non_compliant"`
	NeedsReview  int        `json:"needs_review"`
	Overall      Compliance `json:"overall"`
}

// NewSummary counts verdicts per outcome and derives the overall status,
// prioritizing non_compliant over needs_review over compliant.
func NewSummary(verdicts []Verdict) Summary {
	s := Summary{Total: len(verdicts), Overall: Compliant}
	for _, v := range verdicts {
		switch v.Compliance {
		case NonCompliant:
			s.NonCompliant++
		case NeedsReview:
			s.NeedsReview++
		default:
			s.Compliant++
		}
	}
	if s.NeedsReview > 0 {
		s.Overall = NeedsReview
	}
	if s.NonCompliant > 0 {
		s.Overall = NonCompliant
	}
	return s
}
