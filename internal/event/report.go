package event

import (
	"github.com/holiman/uint256"
)

// ReportSettled records a keeper report. Amounts are asset units in the
// donating mode and share-precision value units in the skimming mode.
type ReportSettled struct {
	Mode         string       `json:"mode"`
	Profit       *uint256.Int `json:"profit"`
	Loss         *uint256.Int `json:"loss"`
	Unrecovered  *uint256.Int `json:"unrecovered"`
	SharesMinted *uint256.Int `json:"sharesMinted"`
	SharesBurned *uint256.Int `json:"sharesBurned"`
	TotalAssets  *uint256.Int `json:"totalAssets"`
	Rate         *uint256.Int `json:"rate,omitempty"`
}

func (r *ReportSettled) OperationType() OperationType { return OperationTypeReport }
