package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// UserData is everything the context builder needs about one user, loaded by
// the store before rendering. Keeping the load separate keeps BuildContext
// pure.
type UserData struct {
	UserID      string
	DisplayName string
	FirstName   string
	LastName    string
	Email       string
	Phone       string

	Dogs          []Dog
	Orders        []Order
	Subscriptions []Subscription
	Gamification  *GamificationSummary
}

// Dog is one pet owned by the user.
type Dog struct {
	Name      string
	Breed     string
	BirthDate *time.Time
	WeightLbs float64
}

// Order is one past shop order.
type Order struct {
	ID        string
	Total     float64
	PlacedAt  time.Time
	ItemCount int
}

// Subscription is one active recurring order.
type Subscription struct {
	ID       string
	Plan     string
	Status   string
	RenewsAt time.Time
}

// GamificationSummary is the user's loyalty snapshot.
type GamificationSummary struct {
	Points int
	Level  int
	Badges []string
	Streak int
}

// CompanyInfo is the fixed brand block plus cross-cutting URLs merged into
// every render context.
type CompanyInfo struct {
	Name         string
	AppURL       string
	WebsiteURL   string
	SupportEmail string
}

// ContextBuilder assembles the variable map exposed to Liquid templates.
type ContextBuilder struct {
	company CompanyInfo
	// now is injectable for deterministic tests; nil means time.Now.
	now func() time.Time
}

// NewContextBuilder creates a context builder with the given brand block.
func NewContextBuilder(company CompanyInfo) *ContextBuilder {
	return &ContextBuilder{company: company, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (cb *ContextBuilder) SetClock(now func() time.Time) { cb.now = now }

// BuildContext merges user identity, pets, orders, subscriptions,
// gamification, date fields, the company block and tracking URLs into one
// render context. Caller-supplied extra variables take precedence over
// everything derived here.
func (cb *ContextBuilder) BuildContext(user *UserData, extra map[string]interface{}) map[string]interface{} {
	rc := make(map[string]interface{})
	now := cb.now()

	// ============================================
	// 1. USER IDENTITY
	// ============================================
	first, last := user.FirstName, user.LastName
	if first == "" && user.DisplayName != "" {
		// Fall back to splitting the display name.
		parts := strings.SplitN(strings.TrimSpace(user.DisplayName), " ", 2)
		first = parts[0]
		if last == "" && len(parts) == 2 {
			last = parts[1]
		}
	}
	fullName := strings.TrimSpace(first + " " + last)
	if fullName == "" {
		fullName = user.DisplayName
	}

	rc["user"] = map[string]interface{}{
		"id":         user.UserID,
		"name":       fullName,
		"firstName":  first,
		"lastName":   last,
		"email":      user.Email,
		"phone":      user.Phone,
	}

	// ============================================
	// 2. DOGS
	// ============================================
	names := make([]string, 0, len(user.Dogs))
	dogs := make([]map[string]interface{}, 0, len(user.Dogs))
	var oldest, youngest *Dog
	for i := range user.Dogs {
		d := &user.Dogs[i]
		names = append(names, d.Name)
		entry := map[string]interface{}{
			"name":       d.Name,
			"breed":      d.Breed,
			"weight_lbs": d.WeightLbs,
		}
		if d.WeightLbs > 0 {
			entry["size"] = WeightCategory(d.WeightLbs)
		}
		if d.BirthDate != nil {
			entry["birth_date"] = *d.BirthDate
			entry["age"] = PetAge(*d.BirthDate, now)
			if oldest == nil || d.BirthDate.Before(*oldest.BirthDate) {
				oldest = d
			}
			if youngest == nil || d.BirthDate.After(*youngest.BirthDate) {
				youngest = d
			}
		}
		dogs = append(dogs, entry)
	}

	dogBlock := map[string]interface{}{
		"totalDogs": len(user.Dogs),
		"names":     strings.Join(names, ", "),
		"list":      dogs,
	}
	if oldest != nil {
		dogBlock["oldest"] = oldest.Name
	}
	if youngest != nil {
		dogBlock["youngest"] = youngest.Name
	}
	rc["dogs"] = dogBlock

	// ============================================
	// 3. ORDERS
	// ============================================
	orders := append([]Order(nil), user.Orders...)
	sort.Slice(orders, func(i, j int) bool { return orders[i].PlacedAt.After(orders[j].PlacedAt) })

	var totalSpent float64
	for _, o := range orders {
		totalSpent += o.Total
	}
	orderBlock := map[string]interface{}{
		"totalOrders": len(orders),
		"totalSpent":  totalSpent,
	}
	if len(orders) > 0 {
		orderBlock["averageOrderValue"] = totalSpent / float64(len(orders))
		orderBlock["lastOrder"] = map[string]interface{}{
			"id":         orders[0].ID,
			"total":      orders[0].Total,
			"placed_at":  orders[0].PlacedAt,
			"item_count": orders[0].ItemCount,
		}
	} else {
		orderBlock["averageOrderValue"] = 0.0
	}
	rc["orders"] = orderBlock

	// ============================================
	// 4. SUBSCRIPTIONS
	// ============================================
	subs := make([]map[string]interface{}, 0, len(user.Subscriptions))
	for _, s := range user.Subscriptions {
		if s.Status != "active" {
			continue
		}
		subs = append(subs, map[string]interface{}{
			"id":        s.ID,
			"plan":      s.Plan,
			"renews_at": s.RenewsAt,
		})
	}
	rc["subscriptions"] = map[string]interface{}{
		"active": subs,
		"count":  len(subs),
	}

	// ============================================
	// 5. GAMIFICATION
	// ============================================
	if g := user.Gamification; g != nil {
		rc["gamification"] = map[string]interface{}{
			"points": g.Points,
			"level":  g.Level,
			"badges": g.Badges,
			"streak": g.Streak,
		}
	} else {
		rc["gamification"] = map[string]interface{}{
			"points": 0, "level": 0, "badges": []string{}, "streak": 0,
		}
	}

	// ============================================
	// 6. DATE FIELDS
	// ============================================
	rc["date"] = map[string]interface{}{
		"iso":     now.Format("2006-01-02"),
		"year":    now.Year(),
		"month":   now.Month().String(),
		"day":     now.Day(),
		"weekday": now.Weekday().String(),
	}

	// ============================================
	// 7. COMPANY + URLS
	// ============================================
	rc["company"] = map[string]interface{}{
		"name":          cb.company.Name,
		"support_email": cb.company.SupportEmail,
	}
	rc["urls"] = map[string]interface{}{
		"app":         cb.company.AppURL,
		"website":     cb.company.WebsiteURL,
		"support":     fmt.Sprintf("%s/support", cb.company.WebsiteURL),
		"unsubscribe": fmt.Sprintf("%s/unsubscribe?uid=%s", cb.company.WebsiteURL, user.UserID),
	}

	// ============================================
	// 8. CALLER OVERRIDES (highest precedence)
	// ============================================
	for k, v := range extra {
		rc[k] = v
	}

	return rc
}
