package domain

type AuthorizationStatus string

const (
	AuthorizationAuthorized AuthorizationStatus = "authorized"
	AuthorizationCaptured   AuthorizationStatus = "captured"
	AuthorizationVoided     AuthorizationStatus = "voided"
)

// Authorization is a payment hold owned by the payment service.
type Authorization struct {
	ID          string              `json:"authId"`
	AmountCents int64               `json:"amountCents"`
	Status      AuthorizationStatus `json:"status"`
}
