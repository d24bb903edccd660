package peer

import (
	"math/rand"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/bitfield"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/config"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/piece"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/stats"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/storage"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultUnchokingInterval           = 5 * time.Second
	DefaultOptimisticUnchokingInterval = 15 * time.Second
)

var (
	ErrUnknownNeighbor  = errors.New("peer is not in the roster")
	ErrNeighborMismatch = errors.New("handshake peer id does not match the dialed peer")
	ErrRequestInFlight  = errors.New("a request to this neighbor is already in flight")
	ErrUnexpectedPiece  = errors.New("piece was not requested")
	ErrPieceLength      = errors.New("piece has the wrong length")
)

// Coordinator owns every Neighbor record and the local bitfield. Sessions
// report decoded messages to it and it answers by queueing messages on them.
type Coordinator interface {
	// Session events
	OnHandshakeBound(id string, s Session) (err error)
	OnSessionClosed(id string, s Session)
	HandleMessage(id string, msg *wire.Message) (err error)

	// Message handlers
	OnBitfield(id string, payload []byte) (err error)
	OnHave(id string, pieceIndex int) (err error)
	OnChoke(id string) (err error)
	OnUnchoke(id string) (err error)
	OnInterested(id string) (err error)
	OnNotInterested(id string) (err error)
	OnRequest(id string, pieceIndex int) (err error)
	OnPiece(id string, pieceIndex int, content []byte) (err error)

	// Choke scheduling
	UpdatePreferred()
	UpdateOptimistic()
	Start(quit chan int)

	// Queries
	LocalID() (id string)
	IsKnown(id string) (known bool)
	Neighbors() (neighbors []NeighborState)
	Bitfield() (payload []byte)
	IsComplete() (complete bool)
	Done() (done <-chan struct{})
}

type Options struct {
	LocalID                     string
	HasFile                     bool
	FileSize                    int
	PieceSize                   int
	Neighbors                   []config.PeerInfo
	PreferredNeighbors          int
	UnchokingInterval           time.Duration
	OptimisticUnchokingInterval time.Duration

	Storage storage.Storage
	Stats   stats.Stats
	Picker  piece.Picker
	Policy  ChokePolicy
	Rand    *rand.Rand
	Log     logrus.FieldLogger
}

type coordinator struct {
	sync.Mutex
	localID            string
	local              *bitfield.Bitfield
	complete           bool
	neighbors          map[string]*Neighbor
	order              []*Neighbor
	pending            mapset.Set
	preferredNeighbors int
	unchokingInterval  time.Duration
	optimisticInterval time.Duration
	storage            storage.Storage
	stats              stats.Stats
	picker             piece.Picker
	policy             ChokePolicy
	log                logrus.FieldLogger
	done               chan struct{}
	doneOnce           sync.Once
}

func NewCoordinator(opts Options) Coordinator {
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Picker == nil {
		opts.Picker = piece.NewSequential()
	}
	if opts.Policy == nil {
		opts.Policy = &RateRanked{Rand: opts.Rand, RandomTies: true}
	}
	if opts.Log == nil {
		log := logrus.New()
		log.SetLevel(logrus.PanicLevel)
		opts.Log = log
	}
	if opts.UnchokingInterval <= 0 {
		opts.UnchokingInterval = DefaultUnchokingInterval
	}
	if opts.OptimisticUnchokingInterval <= 0 {
		opts.OptimisticUnchokingInterval = DefaultOptimisticUnchokingInterval
	}
	numPieces := bitfield.NumPieces(opts.FileSize, opts.PieceSize)
	if opts.Stats == nil {
		opts.Stats = stats.NewStats(0)
	}

	c := &coordinator{
		localID:            opts.LocalID,
		local:              bitfield.New(opts.FileSize, opts.PieceSize, opts.HasFile),
		neighbors:          make(map[string]*Neighbor),
		pending:            mapset.NewThreadUnsafeSet(),
		preferredNeighbors: opts.PreferredNeighbors,
		unchokingInterval:  opts.UnchokingInterval,
		optimisticInterval: opts.OptimisticUnchokingInterval,
		storage:            opts.Storage,
		stats:              opts.Stats,
		picker:             opts.Picker,
		policy:             opts.Policy,
		log:                opts.Log.WithField("peer", opts.LocalID),
		done:               make(chan struct{}),
	}
	c.complete = c.local.IsComplete()
	for _, p := range opts.Neighbors {
		if p.ID == opts.LocalID {
			continue
		}
		n := newNeighbor(p.ID, p.Addr(), bitfield.NewWithPieces(numPieces, p.HasFile))
		c.neighbors[p.ID] = n
		c.order = append(c.order, n)
	}
	c.checkDone()
	return c
}

func (c *coordinator) LocalID() string {
	return c.localID
}

// IsKnown only reads the neighbor map, which is fixed after construction.
func (c *coordinator) IsKnown(id string) bool {
	_, ok := c.neighbors[id]
	return ok
}

func (c *coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *coordinator) IsComplete() bool {
	c.Lock()
	defer c.Unlock()
	return c.complete
}

func (c *coordinator) Bitfield() []byte {
	c.Lock()
	defer c.Unlock()
	return c.local.Payload()
}

func (c *coordinator) Neighbors() []NeighborState {
	c.Lock()
	defer c.Unlock()

	states := make([]NeighborState, 0, len(c.order))
	for _, n := range c.order {
		states = append(states, n.state())
	}
	return states
}

func (c *coordinator) neighbor(id string) (*Neighbor, error) {
	n, ok := c.neighbors[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNeighbor, "peer %s", id)
	}
	return n, nil
}

func (c *coordinator) send(n *Neighbor, msg *wire.Message) {
	if n.session == nil {
		return
	}
	if err := n.session.Send(msg); err != nil {
		c.log.WithFields(logrus.Fields{"neighbor": n.ID, "message": msg.ID}).Warnf("send failed: %v", err)
	}
}

func (c *coordinator) OnHandshakeBound(id string, s Session) error {
	c.Lock()
	defer c.Unlock()

	n, err := c.neighbor(id)
	if err != nil {
		return err
	}
	if n.session != nil && n.session != s {
		c.log.WithFields(logrus.Fields{"neighbor": id, "session": n.session.ID()}).Info("superseding previous session")
		old := n.session
		c.disconnect(n)
		old.Close()
	}
	n.session = s
	c.send(n, wire.Bitfield(c.local.Payload()))
	c.updateInterest(n)
	return nil
}

func (c *coordinator) OnSessionClosed(id string, s Session) {
	c.Lock()
	defer c.Unlock()

	n, ok := c.neighbors[id]
	if !ok || n.session != s {
		return
	}
	c.log.WithFields(logrus.Fields{"neighbor": id, "session": s.ID()}).Infof("Peer %s disconnected from Peer %s.", c.localID, id)
	c.disconnect(n)
	c.requestIdle()
}

// disconnect drops n's session and releases its in-flight request.
func (c *coordinator) disconnect(n *Neighbor) {
	c.release(n)
	n.session = nil
	n.reset()
	c.picker.PeerStopped(n.ID)
}

func (c *coordinator) release(n *Neighbor) {
	if n.inflight != noRequest {
		c.pending.Remove(n.inflight)
		n.inflight = noRequest
	}
}

func (c *coordinator) HandleMessage(id string, msg *wire.Message) error {
	switch msg.ID {
	case wire.CHOKE:
		return c.OnChoke(id)
	case wire.UNCHOKE:
		return c.OnUnchoke(id)
	case wire.INTERESTED:
		return c.OnInterested(id)
	case wire.NOT_INTERESTED:
		return c.OnNotInterested(id)
	case wire.HAVE:
		return c.OnHave(id, msg.Index)
	case wire.BITFIELD:
		return c.OnBitfield(id, msg.Payload)
	case wire.REQUEST:
		return c.OnRequest(id, msg.Index)
	case wire.PIECE:
		return c.OnPiece(id, msg.Index, msg.Payload)
	}
	return errors.Wrapf(wire.ErrProtocol, "unhandled message type %d", uint8(msg.ID))
}

func (c *coordinator) OnBitfield(id string, payload []byte) error {
	c.Lock()
	defer c.Unlock()

	n, err := c.neighbor(id)
	if err != nil {
		return err
	}
	if err := n.bitfield.SetPayload(payload); err != nil {
		return errors.Wrapf(err, "bitfield from %s", id)
	}
	c.picker.PeerStopped(id)
	for i := 0; i < n.bitfield.Len(); i++ {
		if n.bitfield.Has(i) {
			c.picker.PieceHave(id, i)
		}
	}
	c.log.WithField("neighbor", id).Debugf("received bitfield with %d pieces", n.bitfield.Count())
	c.updateInterest(n)
	c.requestNext(n)
	c.checkDone()
	return nil
}

func (c *coordinator) OnHave(id string, pieceIndex int) error {
	c.Lock()
	defer c.Unlock()

	n, err := c.neighbor(id)
	if err != nil {
		return err
	}
	if err := n.bitfield.SetPiece(pieceIndex); err != nil {
		return errors.Wrapf(err, "have from %s", id)
	}
	c.picker.PieceHave(id, pieceIndex)
	c.log.WithField("neighbor", id).Infof("Peer %s received the 'have' message from %s for the piece %d.", c.localID, id, pieceIndex)
	c.updateInterest(n)
	c.requestNext(n)
	c.checkDone()
	return nil
}

func (c *coordinator) OnChoke(id string) error {
	c.Lock()
	defer c.Unlock()

	n, err := c.neighbor(id)
	if err != nil {
		return err
	}
	if !n.isChokingMe {
		c.log.WithField("neighbor", id).Infof("Peer %s is choked by %s.", c.localID, id)
	}
	n.isChokingMe = true
	if n.inflight != noRequest {
		c.release(n)
		c.requestIdle()
	}
	return nil
}

func (c *coordinator) OnUnchoke(id string) error {
	c.Lock()
	defer c.Unlock()

	n, err := c.neighbor(id)
	if err != nil {
		return err
	}
	if n.isChokingMe {
		c.log.WithField("neighbor", id).Infof("Peer %s is unchoked by %s.", c.localID, id)
	}
	n.isChokingMe = false
	c.updateInterest(n)
	c.requestNext(n)
	return nil
}

func (c *coordinator) OnInterested(id string) error {
	c.Lock()
	defer c.Unlock()

	n, err := c.neighbor(id)
	if err != nil {
		return err
	}
	n.isInterestedInMe = true
	c.log.WithField("neighbor", id).Infof("Peer %s received the 'interested' message from %s.", c.localID, id)
	return nil
}

func (c *coordinator) OnNotInterested(id string) error {
	c.Lock()
	defer c.Unlock()

	n, err := c.neighbor(id)
	if err != nil {
		return err
	}
	n.isInterestedInMe = false
	c.log.WithField("neighbor", id).Infof("Peer %s received the 'not interested' message from %s.", c.localID, id)
	return nil
}

func (c *coordinator) OnRequest(id string, pieceIndex int) error {
	c.Lock()
	defer c.Unlock()

	n, err := c.neighbor(id)
	if err != nil {
		return err
	}
	has, err := c.local.HasPiece(pieceIndex)
	if err != nil {
		return errors.Wrapf(err, "request from %s", id)
	}
	if n.amChoking {
		c.log.WithFields(logrus.Fields{"neighbor": id, "piece": pieceIndex}).Debug("dropping request from choked neighbor")
		return nil
	}
	if !has {
		c.log.WithFields(logrus.Fields{"neighbor": id, "piece": pieceIndex}).Warn("dropping request for a piece we do not have")
		return nil
	}
	data, err := c.storage.ReadPiece(pieceIndex)
	if err != nil {
		return errors.Wrapf(err, "serving piece %d to %s", pieceIndex, id)
	}
	c.send(n, wire.Piece(pieceIndex, data))
	c.stats.UpdatePeer(id, len(data), 0)
	return nil
}

func (c *coordinator) OnPiece(id string, pieceIndex int, content []byte) error {
	c.Lock()
	defer c.Unlock()

	n, err := c.neighbor(id)
	if err != nil {
		return err
	}
	has, err := c.local.HasPiece(pieceIndex)
	if err != nil {
		return errors.Wrapf(ErrUnexpectedPiece, "piece %d from %s: %v", pieceIndex, id, err)
	}
	if has && n.inflight != pieceIndex {
		c.log.WithFields(logrus.Fields{"neighbor": id, "piece": pieceIndex}).Debug("ignoring duplicate piece")
		return nil
	}
	if n.inflight != pieceIndex {
		return errors.Wrapf(ErrUnexpectedPiece, "piece %d from %s", pieceIndex, id)
	}
	if want := c.storage.PieceLength(pieceIndex); len(content) != want {
		return errors.Wrapf(ErrPieceLength, "piece %d from %s is %d bytes, want %d", pieceIndex, id, len(content), want)
	}
	if err := c.storage.WritePiece(pieceIndex, content); err != nil {
		c.release(n)
		c.requestIdle()
		return errors.Wrapf(err, "storing piece %d", pieceIndex)
	}

	c.local.SetPiece(pieceIndex)
	c.release(n)
	n.downloaded += len(content)
	c.stats.UpdatePeer(id, 0, len(content))
	c.stats.PieceDownloaded()
	c.log.WithFields(logrus.Fields{"neighbor": id, "piece": pieceIndex}).Infof(
		"Peer %s has downloaded the piece %d from %s. Now the number of pieces it has is %d.",
		c.localID, pieceIndex, id, c.local.Count())

	for _, m := range c.order {
		c.send(m, wire.Have(pieceIndex))
	}
	if c.local.IsComplete() {
		c.complete = true
		c.log.Infof("Peer %s has downloaded the complete file.", c.localID)
	}
	for _, m := range c.order {
		c.updateInterest(m)
	}
	c.requestNext(n)
	c.checkDone()
	return nil
}

// updateInterest tells n whether it still has something we lack.
func (c *coordinator) updateInterest(n *Neighbor) {
	if !n.connected() {
		return
	}
	interesting := !c.complete && len(c.local.InterestingPieces(n.bitfield)) > 0
	if interesting && !n.amInterested {
		n.amInterested = true
		c.send(n, wire.Interested())
	} else if !interesting && n.amInterested {
		n.amInterested = false
		c.send(n, wire.NotInterested())
	}
}

// requestNext issues a REQUEST to n when we told it we are interested, it is
// unchoking us, has nothing in flight and holds a piece nobody else is fetching.
func (c *coordinator) requestNext(n *Neighbor) {
	if c.complete || !n.connected() || !n.amInterested || n.isChokingMe || n.inflight != noRequest {
		return
	}
	candidates := []int{}
	for _, i := range c.local.InterestingPieces(n.bitfield) {
		if !c.pending.Contains(i) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return
	}
	if err := c.request(n, c.picker.Pick(n.ID, candidates)); err != nil {
		c.log.WithField("neighbor", n.ID).Error(err)
	}
}

func (c *coordinator) request(n *Neighbor, pieceIndex int) error {
	if n.inflight != noRequest {
		return errors.Wrapf(ErrRequestInFlight, "piece %d pending at %s", n.inflight, n.ID)
	}
	c.pending.Add(pieceIndex)
	n.inflight = pieceIndex
	c.log.WithFields(logrus.Fields{"neighbor": n.ID, "piece": pieceIndex}).Debug("requesting piece")
	c.send(n, wire.Request(pieceIndex))
	return nil
}

// requestIdle offers a request to every neighbor, used after a pending
// piece was released.
func (c *coordinator) requestIdle() {
	for _, n := range c.order {
		c.requestNext(n)
	}
}

func (c *coordinator) checkDone() {
	if !c.complete {
		return
	}
	for _, n := range c.order {
		if !n.bitfield.IsComplete() {
			return
		}
	}
	c.doneOnce.Do(func() {
		c.log.Info("every peer holds the complete file")
		close(c.done)
	})
}

// UpdatePreferred re-ranks the interested neighbors by what they sent us
// during the last interval and unchokes the top k.
func (c *coordinator) UpdatePreferred() {
	c.Lock()
	defer c.Unlock()

	candidates := []Candidate{}
	for _, n := range c.order {
		if n.connected() && n.isInterestedInMe {
			candidates = append(candidates, Candidate{ID: n.ID, Rate: n.downloaded})
		}
	}
	chosen := mapset.NewThreadUnsafeSet()
	for _, id := range c.policy.SelectPreferred(candidates, c.preferredNeighbors, c.complete) {
		chosen.Add(id)
	}

	preferred := []string{}
	for _, n := range c.order {
		n.downloaded = 0
		wasPreferred := n.preferred
		n.preferred = chosen.Contains(n.ID)
		if n.preferred {
			preferred = append(preferred, n.ID)
		}
		if !n.connected() {
			continue
		}
		if n.preferred && n.amChoking {
			n.amChoking = false
			c.send(n, wire.Unchoke())
		} else if wasPreferred && !n.preferred && !n.optimistic && !n.amChoking {
			n.amChoking = true
			c.send(n, wire.Choke())
		}
	}
	peerStats := c.stats.GetPeerStats()
	rates := make(map[string]int, len(preferred))
	for _, id := range preferred {
		rates[id] = peerStats[id].DownloadRate
	}
	c.log.WithFields(logrus.Fields{"preferred": preferred, "rates": rates}).Infof("Peer %s has the preferred neighbors %v.", c.localID, preferred)
}

// UpdateOptimistic moves the optimistic unchoke slot to a random choked but
// interested neighbor. With no such neighbor the current holder keeps it
// while it stays interested.
func (c *coordinator) UpdateOptimistic() {
	c.Lock()
	defer c.Unlock()

	ids := []string{}
	for _, n := range c.order {
		if n.connected() && n.isInterestedInMe && n.amChoking && !n.preferred {
			ids = append(ids, n.ID)
		}
	}
	id, ok := c.policy.SelectOptimistic(ids)
	for _, n := range c.order {
		if !n.optimistic || (!ok && n.isInterestedInMe) {
			continue
		}
		n.optimistic = false
		if n.connected() && !n.preferred && !n.amChoking {
			n.amChoking = true
			c.send(n, wire.Choke())
		}
	}
	if !ok {
		return
	}
	n := c.neighbors[id]
	n.optimistic = true
	n.amChoking = false
	c.send(n, wire.Unchoke())
	c.log.WithField("optimistic", id).Infof("Peer %s has the optimistically unchoked neighbor %s.", c.localID, id)
}

// Start runs both choke timers until quit is closed.
func (c *coordinator) Start(quit chan int) {
	unchoke := time.NewTicker(c.unchokingInterval)
	optimistic := time.NewTicker(c.optimisticInterval)
	defer unchoke.Stop()
	defer optimistic.Stop()

	c.UpdatePreferred()
	c.UpdateOptimistic()
	for {
		select {
		case <-unchoke.C:
			up, down := c.stats.Tick()
			c.log.WithFields(logrus.Fields{"uploadRate": up, "downloadRate": down}).Debug("transfer rates")
			c.UpdatePreferred()
		case <-optimistic.C:
			c.UpdateOptimistic()
		case <-quit:
			return
		}
	}
}
