package client

import (
	"context"
	"net/url"
	"strings"

	"github.com/kissanbandi/coupon-service/internal/domain"
)

// MembershipPremium is the user service's membership_type for premium users.
const MembershipPremium = "premium"

// UserClient classifies users into coupon user groups using the user
// service's profile.
type UserClient struct {
	doer    HTTPDoer
	baseURL string
}

// NewUserClient creates a new user service client.
func NewUserClient(doer HTTPDoer, baseURL string) *UserClient {
	return &UserClient{doer: doer, baseURL: trimBase(baseURL)}
}

type userProfile struct {
	MembershipType string `json:"membership_type"`
	OrderCount     int    `json:"order_count"`
}

// Classify returns premium for premium members, new for users who have
// never ordered and all for everyone else.
func (c *UserClient) Classify(ctx context.Context, userID string) (string, error) {
	p, err := getJSON[userProfile](ctx, c.doer, c.baseURL+"/api/v1/users/"+url.PathEscape(userID), "user", nil)
	if err != nil {
		return "", err
	}
	switch {
	case strings.EqualFold(p.MembershipType, MembershipPremium):
		return domain.UserGroupPremium, nil
	case p.OrderCount == 0:
		return domain.UserGroupNew, nil
	default:
		return domain.UserGroupAll, nil
	}
}
