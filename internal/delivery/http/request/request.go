package request

// ResetRequest selects the records an operator wants rewritten to discovered.
// At least one filter is required.
type ResetRequest struct {
	Statuses   []string `json:"statuses"`
	Categories []string `json:"categories"`
	Periods    []string `json:"periods"`
}

func (r ResetRequest) Empty() bool {
	return len(r.Statuses) == 0 && len(r.Categories) == 0 && len(r.Periods) == 0
}
