package email

import (
	"bytes"
	"html/template"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/events"
)

var reservationConfirmedTpl = template.Must(template.New("reservationConfirmed").Parse(`
<h2>Your reservation is confirmed!</h2>
<p>Reservation: <b>{{.ReservationID}}</b></p>
<p>Room: <b>{{.RoomID}}</b></p>
<p>Check-in: <b>{{.CheckIn}}</b> &middot; Check-out: <b>{{.CheckOut}}</b></p>
<p>PayPal transaction: {{.TransactionNumber}}</p>
`))

func RenderReservationConfirmedEmail(data events.ReservationConfirmedData) (string, error) {
	var buf bytes.Buffer
	if err := reservationConfirmedTpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
