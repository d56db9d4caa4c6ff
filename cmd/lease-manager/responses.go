package main

import (
	"time"

	"leaseworks/lease"
)

type leaseResponse struct {
	ID         int64      `json:"id"`
	Resource   string     `json:"resource"`
	Holder     string     `json:"holder"`
	CreatedAt  time.Time  `json:"created_at"`
	RenewedAt  *time.Time `json:"renewed_at,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

func toLeaseResponse(l lease.Lease) leaseResponse {
	return leaseResponse{
		ID:         l.ID,
		Resource:   l.Resource,
		Holder:     l.Holder,
		CreatedAt:  l.CreatedAt,
		RenewedAt:  l.RenewedAt,
		ReleasedAt: l.ReleasedAt,
		ExpiresAt:  l.ExpiresAt,
	}
}

func toLeaseResponses(leases []lease.Lease) []leaseResponse {
	out := make([]leaseResponse, 0, len(leases))
	for _, l := range leases {
		out = append(out, toLeaseResponse(l))
	}
	return out
}
