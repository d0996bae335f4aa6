package model

// Sport, Batch and Enrollment are owned by the catalog subsystem. The settlement engine
// only reads them, except for the cached gateway plan id on Sport.

type Sport struct {
	ID             string
	Name           string
	MonthlyFee     int64 // paise
	Currency       string
	RazorpayPlanID *string
}

// HasPlan reports whether a gateway plan is already cached on the sport.
func (s *Sport) HasPlan() bool { return s.RazorpayPlanID != nil && *s.RazorpayPlanID != "" }

type Batch struct {
	ID      string
	SportID string
	Name    string
}

type Enrollment struct {
	ID      string
	UserID  string
	BatchID string
	SportID string
}
