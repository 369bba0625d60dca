package records

// VATLine is a VAT sub-breakdown: base, rate and quota, with an optional
// equivalence surcharge.
type VATLine struct {
	Base Amount
	Rate Amount // percent, two decimals
	VAT  Amount
	// Equivalence surcharge, both set or both nil.
	SurchargeRate   *Amount
	SurchargeAmount *Amount
}

// ExemptLine is an exempt sub-breakdown with its exemption cause code
// (E1..E6).
type ExemptLine struct {
	Base  Amount
	Cause string
}

// NonSubjectLine is a non-subject sub-breakdown with its cause code (N1, N2).
type NonSubjectLine struct {
	Amount Amount
	Cause  string
}

// Breakdown groups the three ordered sub-lists. Any non-empty combination is
// permitted; at least one line overall is required.
type Breakdown struct {
	VAT        []VATLine
	Exempt     []ExemptLine
	NonSubject []NonSubjectLine
}

// Empty reports whether the breakdown has no lines at all.
func (b Breakdown) Empty() bool {
	return len(b.VAT) == 0 && len(b.Exempt) == 0 && len(b.NonSubject) == 0
}

// TotalVAT sums the VAT quotas. This is the CuotaTotal that enters the
// fingerprint input; exempt and non-subject lines never contribute to it.
func (b Breakdown) TotalVAT() Amount {
	var total Amount
	for _, l := range b.VAT {
		total += l.VAT
	}
	return total
}

// Total sums every line: bases, quotas and surcharges on the VAT side plus
// the exempt bases and non-subject amounts.
func (b Breakdown) Total() Amount {
	var total Amount
	for _, l := range b.VAT {
		total += l.Base + l.VAT
		if l.SurchargeAmount != nil {
			total += *l.SurchargeAmount
		}
	}
	for _, l := range b.Exempt {
		total += l.Base
	}
	for _, l := range b.NonSubject {
		total += l.Amount
	}
	return total
}
