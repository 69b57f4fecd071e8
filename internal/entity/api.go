package entity

// Reply statuses of the submission and result endpoints.
const (
	ReplyOK    = "OK"
	ReplyError = "ERROR"
)

// SubmitInput is the JSON carried in the "input" field of a submission.
// Keys are matched case-insensitively, so "caseid" works too.
type SubmitInput struct {
	CaseID   *string `json:"caseId"`
	DocID    *string `json:"docId"`
	Document *string `json:"document"` // base64
}

// SubmitReply answers a submission.
type SubmitReply struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// ResultInput is the JSON carried in the "input" field of a result poll.
type ResultInput struct {
	ID *string `json:"id"`
}

// ResultReply answers a result poll. Document and OutputAnn are base64.
type ResultReply struct {
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Document  string `json:"document"`
	OutputAnn string `json:"outputann,omitempty"`
	Version   string `json:"version,omitempty"`
	Message   string `json:"message,omitempty"`
}
