package model

// Line is one resource amount inside a reservation request: a product option
// and quantity for stock, a coupon id with amount 1 for coupons, and resource
// 0 with the point amount for points.
type Line struct {
	ResourceID uint64 `json:"resourceId"`
	Amount     int64  `json:"amount"`
}

// CloneLines returns an independent copy of lines.
func CloneLines(lines []Line) []Line {
	if lines == nil {
		return nil
	}
	out := make([]Line, len(lines))
	copy(out, lines)
	return out
}
