package backend

import (
	"context"
	"errors"

	"MuseChat/internal/session"
)

// ErrOffline is returned by Offline for every call
var ErrOffline = errors.New("backend offline")

// Offline stands in for Client in mock mode. Every call fails, which drives
// the dispatcher, ledger and memory facade onto their degraded paths.
type Offline struct{}

func (Offline) StartSession(context.Context, string, string) (*session.Session, error) {
	return nil, ErrOffline
}

func (Offline) SendMessage(context.Context, string, SendMessageRequest) (*SendMessageResponse, error) {
	return nil, ErrOffline
}

func (Offline) SubmitRating(context.Context, RatingRequest) (*RatingResponse, error) {
	return nil, ErrOffline
}

func (Offline) EnhancedMemories(context.Context, string, MemoryQuery) (*MemoryPage, error) {
	return nil, ErrOffline
}
