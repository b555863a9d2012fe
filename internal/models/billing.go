package models

// ChargeInput is the locked state a billing charge is decided on.
type ChargeInput struct {
	Instance    *Instance
	User        *User
	PaidDomains int
}

// ChargeDecision is what to write back for one charge.
type ChargeDecision struct {
	Skip     bool // instance no longer online
	Amount   Points
	Carry    int64
	Depleted bool // amount was clamped to the remaining balance
}

// ChargeOutcome reports an applied charge.
type ChargeOutcome struct {
	UserID       string
	InstanceID   string
	Skipped      bool
	Charged      Points
	BalanceAfter Points
	Depleted     bool
}
