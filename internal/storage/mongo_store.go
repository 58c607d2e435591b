package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/morallyearlgrey/carpool/internal/clock"
	"github.com/morallyearlgrey/carpool/internal/models"
)

// MongoStore reads and writes the document layout the original deployment
// used: users, offers, schedules and requests collections, locations as
// {lat, long} subdocuments, weekdays stored by name.
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx2, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx2, nil); err != nil {
		return nil, err
	}
	return &MongoStore{db: client.Database(dbName)}, nil
}

type mongoPoint struct {
	Lat float64 `bson:"lat"`
	Lon float64 `bson:"long"`
}

func toPoint(c *models.Coord) *mongoPoint {
	if c == nil {
		return nil
	}
	return &mongoPoint{Lat: c.Lat, Lon: c.Lon}
}

func fromPoint(p *mongoPoint) *models.Coord {
	if p == nil {
		return nil
	}
	return &models.Coord{Lat: p.Lat, Lon: p.Lon}
}

type mongoUser struct {
	ID        string `bson:"_id"`
	Email     string `bson:"email"`
	FirstName string `bson:"firstName"`
	LastName  string `bson:"lastName"`
	Vehicle   *struct {
		Seats int    `bson:"seatsAvailable"`
		Make  string `bson:"make"`
		Model string `bson:"model"`
		Year  string `bson:"year"`
	} `bson:"vehicleInfo,omitempty"`
	CurrentRide string `bson:"currentRide,omitempty"`
	PushToken   string `bson:"pushToken,omitempty"`
}

type mongoOffer struct {
	ID        string      `bson:"_id"`
	Driver    string      `bson:"driver"`
	Begin     *mongoPoint `bson:"beginLocation,omitempty"`
	Final     *mongoPoint `bson:"finalLocation,omitempty"`
	Date      time.Time   `bson:"date"`
	StartTime string      `bson:"startTime,omitempty"`
	EndTime   string      `bson:"endTime,omitempty"`
	MaxRiders int         `bson:"maxRiders"`
	Riders    []string    `bson:"riders,omitempty"`
	CreatedAt time.Time   `bson:"createdAt"`
}

type mongoSlot struct {
	Day       string      `bson:"day"`
	StartTime string      `bson:"startTime"`
	EndTime   string      `bson:"endTime"`
	Begin     *mongoPoint `bson:"beginLocation,omitempty"`
	Final     *mongoPoint `bson:"finalLocation,omitempty"`
}

type mongoSchedule struct {
	ID    string      `bson:"_id"`
	User  string      `bson:"user"`
	Slots []mongoSlot `bson:"availableTimes"`
}

type mongoRequest struct {
	ID          string      `bson:"_id"`
	RideID      string      `bson:"ride"`
	Sender      string      `bson:"requestSender"`
	Receiver    string      `bson:"requestReceiver"`
	Begin       mongoPoint  `bson:"beginLocation"`
	Final       mongoPoint  `bson:"finalLocation"`
	Date        time.Time   `bson:"date"`
	StartTime   string      `bson:"startTime"`
	Status      string      `bson:"status"`
	PaymentHold string      `bson:"paymentHold,omitempty"`
	CreatedAt   time.Time   `bson:"createdAt"`
}

func (m *MongoStore) SaveUser(ctx context.Context, u *models.User) error {
	doc := mongoUser{ID: u.ID, Email: u.Email, FirstName: u.FirstName, LastName: u.LastName, PushToken: u.PushToken}
	if u.Vehicle != nil {
		doc.Vehicle = &struct {
			Seats int    `bson:"seatsAvailable"`
			Make  string `bson:"make"`
			Model string `bson:"model"`
			Year  string `bson:"year"`
		}{u.Vehicle.Seats, u.Vehicle.Make, u.Vehicle.Model, u.Vehicle.Year}
	}
	opts := options.Replace().SetUpsert(true)
	_, err := m.db.Collection("users").ReplaceOne(ctx, bson.M{"_id": u.ID}, doc, opts)
	return err
}

func (m *MongoStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var doc mongoUser
	err := m.db.Collection("users").FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u := &models.User{ID: doc.ID, Email: doc.Email, FirstName: doc.FirstName, LastName: doc.LastName, PushToken: doc.PushToken}
	if doc.Vehicle != nil {
		u.Vehicle = &models.VehicleInfo{Seats: doc.Vehicle.Seats, Make: doc.Vehicle.Make, Model: doc.Vehicle.Model, Year: doc.Vehicle.Year}
	}
	return u, nil
}

func (m *MongoStore) SaveOffer(ctx context.Context, o *models.RideOffer) error {
	doc := mongoOffer{
		ID:        o.ID,
		Driver:    o.DriverID,
		Begin:     toPoint(o.Origin),
		Final:     toPoint(o.Destination),
		Date:      o.Date,
		StartTime: o.StartTime,
		EndTime:   o.EndTime,
		MaxRiders: o.CapacityTotal,
		Riders:    o.RiderIDs,
		CreatedAt: time.Now(),
	}
	if _, err := m.db.Collection("offers").InsertOne(ctx, doc); err != nil {
		return err
	}
	_, err := m.db.Collection("users").UpdateOne(ctx,
		bson.M{"_id": o.DriverID}, bson.M{"$set": bson.M{"currentRide": o.ID}})
	return err
}

func (m *MongoStore) GetOffer(ctx context.Context, id string) (*models.RideOffer, error) {
	var doc mongoOffer
	err := m.db.Collection("offers").FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.resolveOffer(ctx, doc), nil
}

func (m *MongoStore) UpdateOffer(ctx context.Context, o *models.RideOffer) error {
	res, err := m.db.Collection("offers").UpdateOne(ctx, bson.M{"_id": o.ID},
		bson.M{"$set": bson.M{"riders": o.RiderIDs, "maxRiders": o.CapacityTotal}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (m *MongoStore) DeleteOffer(ctx context.Context, id string) error {
	res, err := m.db.Collection("offers").DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return models.ErrNotFound
	}
	_, err = m.db.Collection("users").UpdateMany(ctx,
		bson.M{"currentRide": id}, bson.M{"$unset": bson.M{"currentRide": ""}})
	return err
}

func (m *MongoStore) OffersOn(ctx context.Context, date time.Time) ([]models.RideOffer, error) {
	y, mo, d := date.Date()
	dayStart := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	cur, err := m.db.Collection("offers").Find(ctx, bson.M{
		"date": bson.M{"$gte": dayStart, "$lt": dayStart.Add(24 * time.Hour)},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []mongoOffer
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]models.RideOffer, 0, len(docs))
	for _, doc := range docs {
		out = append(out, *m.resolveOffer(ctx, doc))
	}
	return out, nil
}

// resolveOffer attaches the driver summary and applies the declared vehicle
// capacity fallback, mirroring the populate('driver') the old API did.
func (m *MongoStore) resolveOffer(ctx context.Context, doc mongoOffer) *models.RideOffer {
	o := &models.RideOffer{
		ID:            doc.ID,
		DriverID:      doc.Driver,
		Origin:        fromPoint(doc.Begin),
		Destination:   fromPoint(doc.Final),
		Date:          doc.Date,
		StartTime:     doc.StartTime,
		EndTime:       doc.EndTime,
		CapacityTotal: doc.MaxRiders,
		CapacityUsed:  len(doc.Riders),
		RiderIDs:      doc.Riders,
		CreatedAt:     doc.CreatedAt,
	}
	if u, err := m.GetUser(ctx, doc.Driver); err == nil {
		o.DriverName = u.FirstName + " " + u.LastName
		if u.Vehicle != nil && u.Vehicle.Seats > 0 {
			o.CapacityTotal = u.Vehicle.Seats
		}
	}
	return o
}

func (m *MongoStore) RidesForUser(ctx context.Context, userID string) ([]models.RideOffer, error) {
	cur, err := m.db.Collection("offers").Find(ctx, bson.M{
		"$or": bson.A{bson.M{"driver": userID}, bson.M{"riders": userID}},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []mongoOffer
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]models.RideOffer, 0, len(docs))
	for _, doc := range docs {
		out = append(out, *m.resolveOffer(ctx, doc))
	}
	return out, nil
}

func (m *MongoStore) UpsertSchedule(ctx context.Context, driverID string, slots []models.AvailabilitySlot) error {
	docSlots := make([]mongoSlot, 0, len(slots))
	for _, s := range slots {
		docSlots = append(docSlots, mongoSlot{
			Day:       s.Weekday.String(),
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
			Begin:     toPoint(s.Origin),
			Final:     toPoint(s.Destination),
		})
	}
	opts := options.Update().SetUpsert(true)
	_, err := m.db.Collection("schedules").UpdateOne(ctx,
		bson.M{"user": driverID},
		bson.M{"$set": bson.M{"availableTimes": docSlots}, "$setOnInsert": bson.M{"_id": "sched-" + driverID}},
		opts)
	return err
}

func (m *MongoStore) DriverSchedules(ctx context.Context) ([]models.DriverSchedule, error) {
	cur, err := m.db.Collection("schedules").Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []mongoSchedule
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]models.DriverSchedule, 0, len(docs))
	for _, doc := range docs {
		ds := models.DriverSchedule{ScheduleID: doc.ID, DriverID: doc.User}
		for _, s := range doc.Slots {
			wd, ok := clock.ParseWeekday(s.Day)
			if !ok {
				continue // a broken slot never sinks the schedule
			}
			ds.Slots = append(ds.Slots, models.AvailabilitySlot{
				Weekday:     wd,
				StartTime:   s.StartTime,
				EndTime:     s.EndTime,
				Origin:      fromPoint(s.Begin),
				Destination: fromPoint(s.Final),
			})
		}
		var u mongoUser
		if err := m.db.Collection("users").FindOne(ctx, bson.M{"_id": doc.User}).Decode(&u); err == nil {
			ds.DriverName = u.FirstName + " " + u.LastName
			if u.Vehicle != nil {
				ds.VehicleSeats = u.Vehicle.Seats
			}
			if u.CurrentRide != "" {
				if ride, err := m.GetOffer(ctx, u.CurrentRide); err == nil {
					ds.ActiveRide = ride
				}
			}
		}
		out = append(out, ds)
	}
	return out, nil
}

func (m *MongoStore) RiderSlotCount(ctx context.Context, riderID string) (int, error) {
	var doc mongoSchedule
	err := m.db.Collection("schedules").FindOne(ctx, bson.M{"user": riderID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(doc.Slots), nil
}

func (m *MongoStore) SaveRequest(ctx context.Context, r *models.JoinRequest) error {
	doc := mongoRequest{
		ID:          r.ID,
		RideID:      r.RideID,
		Sender:      r.SenderID,
		Receiver:    r.ReceiverID,
		Begin:       mongoPoint{Lat: r.Origin.Lat, Lon: r.Origin.Lon},
		Final:       mongoPoint{Lat: r.Destination.Lat, Lon: r.Destination.Lon},
		Date:        r.Date,
		StartTime:   r.StartTime,
		Status:      string(r.Status),
		PaymentHold: r.PaymentHold,
		CreatedAt:   r.CreatedAt,
	}
	_, err := m.db.Collection("requests").InsertOne(ctx, doc)
	return err
}

func (m *MongoStore) GetRequest(ctx context.Context, id string) (*models.JoinRequest, error) {
	var doc mongoRequest
	err := m.db.Collection("requests").FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return requestFromDoc(doc), nil
}

func (m *MongoStore) UpdateRequest(ctx context.Context, r *models.JoinRequest) error {
	res, err := m.db.Collection("requests").UpdateOne(ctx, bson.M{"_id": r.ID},
		bson.M{"$set": bson.M{"status": string(r.Status), "paymentHold": r.PaymentHold}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (m *MongoStore) RequestsForUser(ctx context.Context, userID string, incoming bool) ([]models.JoinRequest, error) {
	field := "requestSender"
	if incoming {
		field = "requestReceiver"
	}
	cur, err := m.db.Collection("requests").Find(ctx, bson.M{field: userID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []mongoRequest
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]models.JoinRequest, 0, len(docs))
	for _, doc := range docs {
		out = append(out, *requestFromDoc(doc))
	}
	return out, nil
}

func requestFromDoc(doc mongoRequest) *models.JoinRequest {
	return &models.JoinRequest{
		ID:          doc.ID,
		RideID:      doc.RideID,
		SenderID:    doc.Sender,
		ReceiverID:  doc.Receiver,
		Origin:      models.Coord{Lat: doc.Begin.Lat, Lon: doc.Begin.Lon},
		Destination: models.Coord{Lat: doc.Final.Lat, Lon: doc.Final.Lon},
		Date:        doc.Date,
		StartTime:   doc.StartTime,
		Status:      models.RequestStatus(doc.Status),
		PaymentHold: doc.PaymentHold,
		CreatedAt:   doc.CreatedAt,
	}
}
