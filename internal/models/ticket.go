package models

import "time"

// Ticket is a claim to a queue position. Number is the user-visible
// identity; the waiting-list key that holds the ticket is store-generated
// and never shown to users.
type Ticket struct {
	Number    string    `json:"number"`
	Timestamp time.Time `json:"timestamp"`
}

// WaitingTicket pairs a Ticket with its generated waiting-list key.
type WaitingTicket struct {
	Key string `json:"key"`
	Ticket
}

// CurrentTicket is the singleton record of who is being served and where.
type CurrentTicket struct {
	Number    string    `json:"number"`
	Timestamp time.Time `json:"timestamp"`
	CalledAt  time.Time `json:"calledAt"`
	Counter   string    `json:"counter"`
}

type QueueMetrics struct {
	Waiting int `json:"waiting"`
}
