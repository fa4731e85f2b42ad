package model

// CreditPlan is a purchasable credit bundle. Price is in rupees.
type CreditPlan struct {
	ID          string `json:"id"`
	Credits     int    `json:"credits"`
	Price       int    `json:"price"`
	Description string `json:"description"`
}

// Coupon grants BonusCredits when its Code is redeemed.
type Coupon struct {
	Code         string `json:"code"`
	BonusCredits int    `json:"bonusCredits"`
}

// UPIPayment is the payment form submitted with a plan purchase.
type UPIPayment struct {
	UPIID    string `json:"upiId"`
	Amount   int    `json:"amount"`
	PlanName string `json:"planName"`
}
