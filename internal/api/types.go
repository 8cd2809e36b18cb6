package api

import "time"

// ClientRecord is a passenger or shipping customer
type ClientRecord struct {
	ID         int    `json:"id,omitempty"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	DocumentID string `json:"document_id,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
}

// Ticket is a seat sold on a trip
type Ticket struct {
	ID         int     `json:"id,omitempty"`
	ClientID   int     `json:"client_id"`
	TripID     int     `json:"trip_id"`
	SeatNumber int     `json:"seat_number"`
	Price      float64 `json:"price"`
	State      string  `json:"state,omitempty"`
}

// Package is a parcel shipped on a trip
type Package struct {
	ID          int     `json:"id,omitempty"`
	SenderID    int     `json:"sender_id"`
	RecipientID int     `json:"recipient_id"`
	TripID      int     `json:"trip_id,omitempty"`
	WeightKG    float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status,omitempty"`
}

// Trip is one scheduled departure of a bus on a route
type Trip struct {
	ID          int       `json:"id,omitempty"`
	RouteID     int       `json:"route_id"`
	BusID       int       `json:"bus_id"`
	DriverID    int       `json:"driver_id"`
	DepartureAt time.Time `json:"departure_at"`
	State       string    `json:"state,omitempty"`
}

// Bus is a vehicle in the fleet
type Bus struct {
	ID       int    `json:"id,omitempty"`
	Plate    string `json:"license_plate"`
	Model    string `json:"model,omitempty"`
	Capacity int    `json:"capacity"`
	Status   string `json:"status,omitempty"`
}

// Route connects an origin and a destination
type Route struct {
	ID          int     `json:"id,omitempty"`
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
	DistanceKM  float64 `json:"distance_km,omitempty"`
	DurationMin int     `json:"duration_minutes,omitempty"`
	Price       float64 `json:"price,omitempty"`
}

// Driver is a licensed bus driver
type Driver struct {
	ID            int    `json:"id,omitempty"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	LicenseNumber string `json:"license_number"`
	Phone         string `json:"phone,omitempty"`
}
