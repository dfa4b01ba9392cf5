package domain

import "time"

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a stock hold owned by the inventory service. The coordinator
// only ever sees it through the reservation client.
type Reservation struct {
	ID        string            `json:"reservationId"`
	SKU       string            `json:"sku"`
	Quantity  int               `json:"qty"`
	Status    ReservationStatus `json:"status"`
	ExpiresAt time.Time         `json:"expiresAt"`
}
