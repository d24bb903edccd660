package peer

import (
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/bitfield"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/wire"
)

const noRequest = -1

// Session is the coordinator's handle on a live connection. Send must not
// block and Close must not call back into the coordinator: both are invoked
// with the coordinator lock held.
type Session interface {
	ID() string
	Send(msg *wire.Message) error
	Close()
}

// Neighbor is the coordinator's record of one roster peer. It outlives any
// number of sessions; session is nil while disconnected.
type Neighbor struct {
	ID   string
	Addr string

	bitfield         *bitfield.Bitfield
	amChoking        bool
	isChokingMe      bool
	amInterested     bool
	isInterestedInMe bool
	downloaded       int
	inflight         int
	preferred        bool
	optimistic       bool
	session          Session
}

func newNeighbor(id, addr string, bf *bitfield.Bitfield) *Neighbor {
	n := &Neighbor{
		ID:       id,
		Addr:     addr,
		bitfield: bf,
	}
	n.reset()
	return n
}

func (n *Neighbor) connected() bool {
	return n.session != nil
}

// reset puts the connection-scoped flags back to their initial values.
// The bitfield is kept: it is the last thing the neighbor told us.
func (n *Neighbor) reset() {
	n.amChoking = true
	n.isChokingMe = true
	n.amInterested = false
	n.isInterestedInMe = false
	n.downloaded = 0
	n.inflight = noRequest
	n.preferred = false
	n.optimistic = false
}

// NeighborState is a copy of a Neighbor taken under the coordinator lock.
type NeighborState struct {
	ID               string
	Addr             string
	Connected        bool
	SessionID        string
	AmChoking        bool
	IsChokingMe      bool
	AmInterested     bool
	IsInterestedInMe bool
	Downloaded       int
	InFlight         int
	HasInFlight      bool
	Preferred        bool
	Optimistic       bool
	Pieces           int
	Complete         bool
}

func (n *Neighbor) state() NeighborState {
	st := NeighborState{
		ID:               n.ID,
		Addr:             n.Addr,
		Connected:        n.connected(),
		AmChoking:        n.amChoking,
		IsChokingMe:      n.isChokingMe,
		AmInterested:     n.amInterested,
		IsInterestedInMe: n.isInterestedInMe,
		Downloaded:       n.downloaded,
		InFlight:         n.inflight,
		HasInFlight:      n.inflight != noRequest,
		Preferred:        n.preferred,
		Optimistic:       n.optimistic,
		Pieces:           n.bitfield.Count(),
		Complete:         n.bitfield.IsComplete(),
	}
	if n.session != nil {
		st.SessionID = n.session.ID()
	}
	return st
}
