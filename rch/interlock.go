package rch

import (
	"errors"
	"sync"
)

type Location int

const (
	Local Location = iota
	Sent
)

func (l Location) String() string {
	if l == Sent {
		return "sent"
	}
	return "local"
}

type Side int

const (
	SenderSide Side = iota
	ReceiverSide
)

func (s Side) other() Side {
	if s == SenderSide {
		return ReceiverSide
	}
	return SenderSide
}

var ErrAlreadySent = errors.New("channel half has already been sent")

// Interlock records which halves of a channel pair have left this process.
// It decides which half connects the port when the pair is split up.
type Interlock struct {
	mu        sync.Mutex
	locations [2]Location
}

func NewInterlock() *Interlock {
	return &Interlock{}
}

// NewInterlockFrom starts with the given locations, used when one half was
// received from a remote endpoint and its partner lives elsewhere.
func NewInterlockFrom(sender, receiver Location) *Interlock {
	return &Interlock{locations: [2]Location{sender, receiver}}
}

// Claim marks side as sent and reports whether the other half is still
// local. A half can be claimed only once.
func (i *Interlock) Claim(side Side) (otherLocal bool, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.locations[side] == Sent {
		return false, ErrAlreadySent
	}
	i.locations[side] = Sent
	return i.locations[side.other()] == Local, nil
}

// Release undoes a Claim whose serialization was aborted.
func (i *Interlock) Release(side Side) {
	i.mu.Lock()
	i.locations[side] = Local
	i.mu.Unlock()
}

func (i *Interlock) Location(side Side) Location {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.locations[side]
}
