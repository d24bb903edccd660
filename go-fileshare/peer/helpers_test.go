package peer

import (
	"fmt"
	"io/ioutil"
	"sync"
	"testing"

	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/config"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/storage"
	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/wire"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	sync.Mutex
	id     string
	sent   []*wire.Message
	closed bool
	onSend func(msg *wire.Message)
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id}
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(msg *wire.Message) error {
	f.Lock()
	f.sent = append(f.sent, msg)
	onSend := f.onSend
	f.Unlock()
	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func (f *fakeSession) Close() {
	f.Lock()
	defer f.Unlock()
	f.closed = true
}

// take returns and forgets everything sent so far.
func (f *fakeSession) take() []*wire.Message {
	f.Lock()
	defer f.Unlock()
	sent := f.sent
	f.sent = nil
	return sent
}

func messageIDs(msgs []*wire.Message) []wire.MessageID {
	ids := []wire.MessageID{}
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

// mockCoordinator records sessions by ID; formatting a live session would
// race with its goroutines.
type mockCoordinator struct {
	Coordinator
	mock.Mock
	onBound func(s Session)
}

func (m *mockCoordinator) LocalID() string {
	args := m.Called()
	return args.String(0)
}

func (m *mockCoordinator) IsKnown(id string) bool {
	args := m.Called(id)
	return args.Bool(0)
}

func (m *mockCoordinator) OnHandshakeBound(id string, s Session) error {
	args := m.Called(id, s.ID())
	if m.onBound != nil {
		m.onBound(s)
	}
	return args.Error(0)
}

func (m *mockCoordinator) OnSessionClosed(id string, s Session) {
	m.Called(id, s.ID())
}

func (m *mockCoordinator) HandleMessage(id string, msg *wire.Message) error {
	args := m.Called(id, msg)
	return args.Error(0)
}

func testContent(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

// newTestStorage returns initialised storage; a seed's file is filled with
// content first.
func newTestStorage(t *testing.T, fs afero.Fs, path string, content []byte, pieceSize int, hasFile bool) storage.Storage {
	if hasFile {
		require.NoError(t, afero.WriteFile(fs, path, content, 0644))
	}
	s := storage.NewFileStorage(fs, path, len(content), pieceSize)
	require.NoError(t, s.Init(hasFile))
	return s
}

// testRoster builds a roster of consecutive ids starting at 1001.
func testRoster(hasFile ...bool) config.Roster {
	roster := config.Roster{}
	for i, has := range hasFile {
		roster = append(roster, config.PeerInfo{
			ID:      fmt.Sprint(1001 + i),
			Host:    "127.0.0.1",
			Port:    6001 + i,
			HasFile: has,
		})
	}
	return roster
}

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.Out = ioutil.Discard
	return log
}
