package actions

// Gate bundles the policy with its approval and idempotency stores; one per
// actions server process.
type Gate struct {
	Policy      *Policy
	Approvals   *Approvals
	Idempotency *Idempotency
}

// NewGate wires the authorization pipeline.
func NewGate(policy *Policy, approvals *Approvals, idem *Idempotency) *Gate {
	return &Gate{Policy: policy, Approvals: approvals, Idempotency: idem}
}

// ApprovalGate applies the approval-code gate for one action: dry-run issues
// a code bound to the action hash, execute consumes a matching one.
func (g *Gate) ApprovalGate(actionHash string, dryRun bool, approvalCode string) (bool, string, *ApprovalMeta) {
	if !g.Policy.RequireApprovalCode {
		return true, "", nil
	}
	if dryRun {
		meta, err := g.Approvals.Issue(actionHash)
		if err != nil {
			return false, "failed to issue approval code: " + err.Error(), nil
		}
		return true, "", &meta
	}
	if err := g.Approvals.Consume(actionHash, approvalCode); err != nil {
		return false, err.Error(), nil
	}
	return true, "", nil
}
