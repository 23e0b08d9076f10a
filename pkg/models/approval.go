package models

// ApprovalResult is a channel's answer to an inline trust prompt.
type ApprovalResult string

const (
	ApprovalAllow       ApprovalResult = "allow"
	ApprovalAllowAlways ApprovalResult = "allow_always"
	ApprovalDeny        ApprovalResult = "deny"
)
