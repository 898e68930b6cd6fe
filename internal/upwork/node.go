package upwork

import "fmt"

// JobNode is the typed view of one search edge node. Money fields stay untyped:
// upstream sends them as numbers, numeric strings or {rawValue, currency}
// objects, and an absent value must stay distinguishable from zero.
type JobNode struct {
	Ciphertext      string `json:"ciphertext"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	CreatedDateTime string `json:"createdDateTime"`
	Category        string `json:"category"`
	CategoryID      string `json:"categoryId"`
	Subcategory     string `json:"subcategory"`
	SubcategoryID   string `json:"subcategoryId"`
	JobType         string `json:"jobType"`
	Duration        string `json:"duration"`
	Workload        string `json:"workload"`

	Skills []struct {
		Name string `json:"name"`
	} `json:"skills"`

	Amount          any `json:"amount"`
	HourlyBudgetMin any `json:"hourlyBudgetMin"`
	HourlyBudgetMax any `json:"hourlyBudgetMax"`

	Job struct {
		ContractTerms struct {
			ContractType            string `json:"contractType"`
			FixedPriceContractTerms struct {
				Amount any `json:"amount"`
			} `json:"fixedPriceContractTerms"`
			HourlyContractTerms struct {
				HourlyBudgetMin any `json:"hourlyBudgetMin"`
				HourlyBudgetMax any `json:"hourlyBudgetMax"`
			} `json:"hourlyContractTerms"`
		} `json:"contractTerms"`
	} `json:"job"`

	Client struct {
		Location struct {
			Country string `json:"country"`
		} `json:"location"`
		TotalFeedback      *float64 `json:"totalFeedback"`
		TotalPostedJobs    *int     `json:"totalPostedJobs"`
		TotalHires         *int     `json:"totalHires"`
		TotalReviews       *int     `json:"totalReviews"`
		VerificationStatus string   `json:"verificationStatus"`
	} `json:"client"`
}

// DecodeJobNode maps a raw payload onto JobNode.
func DecodeJobNode(payload map[string]any) (*JobNode, error) {
	var node JobNode
	if err := decode(payload, &node); err != nil {
		return nil, fmt.Errorf("decode job node: %w", err)
	}
	return &node, nil
}
