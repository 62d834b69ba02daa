package domain

// CartItem is one line of a cart snapshot. Price is the unit price in minor
// units.
type CartItem struct {
	ProductID  string `json:"product_id"`
	CategoryID string `json:"category_id,omitempty"`
	Quantity   int    `json:"quantity"`
	Price      int64  `json:"price"`
}

// Cart is the snapshot a coupon is evaluated against.
type Cart struct {
	Total int64      `json:"total"`
	Items []CartItem `json:"items"`
}

// ItemsTotal sums price × quantity over the lines.
func (c Cart) ItemsTotal() int64 {
	var total int64
	for _, it := range c.Items {
		total += it.Price * int64(it.Quantity)
	}
	return total
}

// User group classifications.
const (
	UserGroupAll     = "all"
	UserGroupNew     = "new"
	UserGroupPremium = "premium"
)

// ValidUserGroups lists every group a coupon may target.
func ValidUserGroups() []string {
	return []string{UserGroupAll, UserGroupNew, UserGroupPremium}
}

// IsValidUserGroup reports whether g is a known group.
func IsValidUserGroup(g string) bool {
	for _, v := range ValidUserGroups() {
		if v == g {
			return true
		}
	}
	return false
}

// User is the identity a coupon is evaluated for.
type User struct {
	ID    string `json:"id"`
	Group string `json:"group"`
}
