package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/morallyearlgrey/carpool/internal/models"
)

// PostgresStore persists the carpool data in Postgres via database/sql.
// See migrations/001_init.sql for the schema.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveUser(ctx context.Context, u *models.User) error {
	seats := 0
	var mk, md, yr string
	if u.Vehicle != nil {
		seats, mk, md, yr = u.Vehicle.Seats, u.Vehicle.Make, u.Vehicle.Model, u.Vehicle.Year
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users(id, email, first_name, last_name, vehicle_seats, vehicle_make, vehicle_model, vehicle_year, push_token)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			email=EXCLUDED.email, first_name=EXCLUDED.first_name, last_name=EXCLUDED.last_name,
			vehicle_seats=EXCLUDED.vehicle_seats, vehicle_make=EXCLUDED.vehicle_make,
			vehicle_model=EXCLUDED.vehicle_model, vehicle_year=EXCLUDED.vehicle_year,
			push_token=EXCLUDED.push_token`,
		u.ID, u.Email, u.FirstName, u.LastName, seats, mk, md, yr, u.PushToken)
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	var seats int
	var mk, md, yr string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, vehicle_seats, vehicle_make, vehicle_model, vehicle_year, push_token
		FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &seats, &mk, &md, &yr, &u.PushToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if seats > 0 || mk != "" {
		u.Vehicle = &models.VehicleInfo{Seats: seats, Make: mk, Model: md, Year: yr}
	}
	return &u, nil
}

func (p *PostgresStore) SaveOffer(ctx context.Context, o *models.RideOffer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers(id, driver_id, origin_lat, origin_lon, dest_lat, dest_lon, date, start_time, end_time, capacity_total, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		o.ID, o.DriverID,
		coordLat(o.Origin), coordLon(o.Origin), coordLat(o.Destination), coordLon(o.Destination),
		o.Date, o.StartTime, o.EndTime, o.CapacityTotal, time.Now())
	if err != nil {
		return err
	}
	// the newest published offer becomes the driver's active ride
	_, err = p.db.ExecContext(ctx, `UPDATE users SET active_offer_id=$1 WHERE id=$2`, o.ID, o.DriverID)
	return err
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.RideOffer, error) {
	row := p.db.QueryRowContext(ctx, offerSelect+` WHERE o.id=$1 GROUP BY o.id, u.first_name, u.last_name, u.vehicle_seats`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) UpdateOffer(ctx context.Context, o *models.RideOffer) error {
	res, err := p.db.ExecContext(ctx, `UPDATE offers SET capacity_total=$1 WHERE id=$2`, o.CapacityTotal, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	// rider membership is re-written wholesale; lists stay tiny
	if _, err := p.db.ExecContext(ctx, `DELETE FROM offer_riders WHERE offer_id=$1`, o.ID); err != nil {
		return err
	}
	for _, rid := range o.RiderIDs {
		if _, err := p.db.ExecContext(ctx, `INSERT INTO offer_riders(offer_id, rider_id) VALUES($1,$2)`, o.ID, rid); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) DeleteOffer(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `UPDATE users SET active_offer_id=NULL WHERE active_offer_id=$1`, id); err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM offer_riders WHERE offer_id=$1`, id); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM offers WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

const offerSelect = `
	SELECT o.id, o.driver_id, u.first_name, u.last_name,
	       o.origin_lat, o.origin_lon, o.dest_lat, o.dest_lon,
	       o.date, o.start_time, o.end_time,
	       CASE WHEN o.capacity_total > 0 THEN o.capacity_total ELSE u.vehicle_seats END,
	       COUNT(r.rider_id), ARRAY_REMOVE(ARRAY_AGG(r.rider_id), NULL)
	FROM offers o
	JOIN users u ON u.id = o.driver_id
	LEFT JOIN offer_riders r ON r.offer_id = o.id`

func (p *PostgresStore) OffersOn(ctx context.Context, date time.Time) ([]models.RideOffer, error) {
	rows, err := p.db.QueryContext(ctx, offerSelect+`
		WHERE o.date = $1
		GROUP BY o.id, u.first_name, u.last_name, u.vehicle_seats`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOffers(rows)
}

func (p *PostgresStore) RidesForUser(ctx context.Context, userID string) ([]models.RideOffer, error) {
	rows, err := p.db.QueryContext(ctx, offerSelect+`
		WHERE o.driver_id = $1 OR o.id IN (SELECT offer_id FROM offer_riders WHERE rider_id = $1)
		GROUP BY o.id, u.first_name, u.last_name, u.vehicle_seats`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOffers(rows)
}

func (p *PostgresStore) UpsertSchedule(ctx context.Context, driverID string, slots []models.AvailabilitySlot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var schedID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO schedules(user_id) VALUES($1)
		ON CONFLICT (user_id) DO UPDATE SET updated_at=now()
		RETURNING id`, driverID).Scan(&schedID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_slots WHERE schedule_id=$1`, schedID); err != nil {
		return err
	}
	for _, s := range slots {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schedule_slots(schedule_id, weekday, start_time, end_time, origin_lat, origin_lon, dest_lat, dest_lon)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
			schedID, int(s.Weekday), s.StartTime, s.EndTime,
			coordLat(s.Origin), coordLon(s.Origin), coordLat(s.Destination), coordLon(s.Destination))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) DriverSchedules(ctx context.Context) ([]models.DriverSchedule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, u.first_name, u.last_name, u.vehicle_seats, u.active_offer_id,
		       sl.weekday, sl.start_time, sl.end_time, sl.origin_lat, sl.origin_lon, sl.dest_lat, sl.dest_lon
		FROM schedules s
		JOIN users u ON u.id = s.user_id
		JOIN schedule_slots sl ON sl.schedule_id = s.id
		ORDER BY s.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DriverSchedule
	var cur *models.DriverSchedule
	activeIDs := map[string]string{} // driver id -> active offer id
	for rows.Next() {
		var schedID, driverID, first, last string
		var seats int
		var activeID sql.NullString
		var slot models.AvailabilitySlot
		var weekday int
		var oLat, oLon, dLat, dLon sql.NullFloat64
		if err := rows.Scan(&schedID, &driverID, &first, &last, &seats, &activeID,
			&weekday, &slot.StartTime, &slot.EndTime, &oLat, &oLon, &dLat, &dLon); err != nil {
			return nil, err
		}
		slot.Weekday = time.Weekday(weekday)
		slot.Origin = nullCoord(oLat, oLon)
		slot.Destination = nullCoord(dLat, dLon)
		if cur == nil || cur.ScheduleID != schedID {
			out = append(out, models.DriverSchedule{
				ScheduleID:   schedID,
				DriverID:     driverID,
				DriverName:   first + " " + last,
				VehicleSeats: seats,
			})
			cur = &out[len(out)-1]
			if activeID.Valid {
				activeIDs[driverID] = activeID.String
			}
		}
		cur.Slots = append(cur.Slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// resolve active rides in a second pass so scoring sees flat pools
	for i := range out {
		if rideID, ok := activeIDs[out[i].DriverID]; ok {
			if ride, err := p.GetOffer(ctx, rideID); err == nil {
				out[i].ActiveRide = ride
			}
		}
	}
	return out, nil
}

func (p *PostgresStore) RiderSlotCount(ctx context.Context, riderID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM schedule_slots sl
		JOIN schedules s ON s.id = sl.schedule_id
		WHERE s.user_id = $1`, riderID).Scan(&n)
	return n, err
}

func (p *PostgresStore) SaveRequest(ctx context.Context, r *models.JoinRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO join_requests(id, ride_id, sender_id, receiver_id, origin_lat, origin_lon, dest_lat, dest_lon, date, start_time, status, payment_hold, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RideID, r.SenderID, r.ReceiverID,
		r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon,
		r.Date, r.StartTime, r.Status, r.PaymentHold, r.CreatedAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.JoinRequest, error) {
	var r models.JoinRequest
	err := p.db.QueryRowContext(ctx, `
		SELECT id, ride_id, sender_id, receiver_id, origin_lat, origin_lon, dest_lat, dest_lon, date, start_time, status, payment_hold, created_at
		FROM join_requests WHERE id=$1`, id).
		Scan(&r.ID, &r.RideID, &r.SenderID, &r.ReceiverID,
			&r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon,
			&r.Date, &r.StartTime, &r.Status, &r.PaymentHold, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, r *models.JoinRequest) error {
	res, err := p.db.ExecContext(ctx, `UPDATE join_requests SET status=$1, payment_hold=$2 WHERE id=$3`,
		r.Status, r.PaymentHold, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RequestsForUser(ctx context.Context, userID string, incoming bool) ([]models.JoinRequest, error) {
	col := "sender_id"
	if incoming {
		col = "receiver_id"
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ride_id, sender_id, receiver_id, origin_lat, origin_lon, dest_lat, dest_lon, date, start_time, status, payment_hold, created_at
		FROM join_requests WHERE `+col+`=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.JoinRequest
	for rows.Next() {
		var r models.JoinRequest
		if err := rows.Scan(&r.ID, &r.RideID, &r.SenderID, &r.ReceiverID,
			&r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon,
			&r.Date, &r.StartTime, &r.Status, &r.PaymentHold, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanOffer(row rowScanner) (*models.RideOffer, error) {
	var o models.RideOffer
	var first, last string
	var oLat, oLon, dLat, dLon sql.NullFloat64
	var capTotal sql.NullInt64
	var riders pq.StringArray
	if err := row.Scan(&o.ID, &o.DriverID, &first, &last,
		&oLat, &oLon, &dLat, &dLon,
		&o.Date, &o.StartTime, &o.EndTime,
		&capTotal, &o.CapacityUsed, &riders); err != nil {
		return nil, err
	}
	o.DriverName = first + " " + last
	o.Origin = nullCoord(oLat, oLon)
	o.Destination = nullCoord(dLat, dLon)
	o.CapacityTotal = int(capTotal.Int64)
	if len(riders) > 0 {
		o.RiderIDs = []string(riders)
	}
	return &o, nil
}

func collectOffers(rows *sql.Rows) ([]models.RideOffer, error) {
	var out []models.RideOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func nullCoord(lat, lon sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
}

func coordLat(c *models.Coord) any {
	if c == nil {
		return nil
	}
	return c.Lat
}

func coordLon(c *models.Coord) any {
	if c == nil {
		return nil
	}
	return c.Lon
}
