package events

// ReservationConfirmed is emitted once a reservation's payment is recorded.
const ReservationConfirmed = "ReservationConfirmed"

type ReservationConfirmedData struct {
	ReservationID     string `json:"reservation_id"`
	UserID            string `json:"user_id"`
	RoomID            string `json:"room_id"`
	CheckIn           string `json:"check_in"`
	CheckOut          string `json:"check_out"`
	TransactionNumber string `json:"transaction_number"`
	PayPalOrderID     string `json:"paypal_order_id"`
}
