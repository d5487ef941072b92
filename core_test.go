package netcore

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/riftloop/netcore/pkg/channel"
	"github.com/riftloop/netcore/pkg/events"
	"github.com/riftloop/netcore/pkg/interpolation"
	"github.com/riftloop/netcore/pkg/replication"
	"github.com/riftloop/netcore/pkg/transport"
	"github.com/riftloop/netcore/pkg/world"
)

const kindPosition world.ComponentKind = 1

type rawSerde struct{}

func (rawSerde) Encode(v interface{}) ([]byte, error) { return v.([]byte), nil }
func (rawSerde) Decode(b []byte) (interface{}, error) { return b, nil }

type fakeWorld struct {
	nextID     world.EntityID
	live       map[world.EntityID]bool
	components map[world.EntityID]map[world.ComponentKind]interface{}
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		nextID:     1,
		live:       make(map[world.EntityID]bool),
		components: make(map[world.EntityID]map[world.ComponentKind]interface{}),
	}
}

func (w *fakeWorld) Spawn() world.EntityID {
	id := w.nextID
	w.nextID++
	w.live[id] = true
	w.components[id] = make(map[world.ComponentKind]interface{})
	return id
}

func (w *fakeWorld) Despawn(id world.EntityID) {
	delete(w.live, id)
	delete(w.components, id)
}

func (w *fakeWorld) Exists(id world.EntityID) bool { return w.live[id] }

func (w *fakeWorld) Get(id world.EntityID, kind world.ComponentKind) (interface{}, bool) {
	v, ok := w.components[id][kind]
	return v, ok
}

func (w *fakeWorld) Insert(id world.EntityID, kind world.ComponentKind, value interface{}) {
	w.components[id][kind] = value
}

func (w *fakeWorld) Remove(id world.EntityID, kind world.ComponentKind) {
	delete(w.components[id], kind)
}

func (w *fakeWorld) ComponentsOf(id world.EntityID) []world.ComponentKind {
	var kinds []world.ComponentKind
	for k := range w.components[id] {
		kinds = append(kinds, k)
	}
	return kinds
}

const (
	actionChannel uint32 = 0
	updateChannel uint32 = 1
	inputChannel  uint32 = 2
)

func newTestPair(t *testing.T) (serverCore *Core, clientCore *Core, serverWorld, clientWorld *fakeWorld, serverEP, clientEP *transport.Memory) {
	t.Helper()
	serverWorld = newFakeWorld()
	clientWorld = newFakeWorld()

	cfg := DefaultConfig(50 * time.Millisecond)
	cfg.InputChannel = inputChannel

	serverCore = NewCore(cfg, serverWorld)
	clientCore = NewCore(cfg, clientWorld)

	for _, c := range []*Core{serverCore, clientCore} {
		c.RegisterChannel(actionChannel, channel.Config{Mode: channel.ReliableOrdered, MaxMessageBytes: 1100})
		c.RegisterChannel(updateChannel, channel.Config{Mode: channel.UnreliableSequenced, MaxMessageBytes: 1100})
		c.RegisterChannel(inputChannel, channel.Config{Mode: channel.UnreliableUnordered, MaxMessageBytes: 1100})
		c.RegisterComponent(world.ComponentRegistration{Kind: kindPosition, Serde: rawSerde{}, Policy: world.SyncFull})
		c.RegisterGroup(1, replication.GroupChannels{ActionChannel: actionChannel, UpdateChannel: updateChannel})
	}

	serverEP, clientEP = transport.NewMemoryPair(64)
	return
}

func TestConnectEmitsConnectedEventOnBothSides(t *testing.T) {
	serverCore, clientCore, _, _, serverEP, clientEP := newTestPair(t)
	now := time.Now()
	peerID := uuid.New()

	serverCore.Connect(now, peerID, serverEP, ServerRole, 0)
	clientCore.Connect(now, peerID, clientEP, ClientRole, 1000)

	serverEvents := serverCore.PollEvents()
	clientEvents := clientCore.PollEvents()
	if len(serverEvents) != 1 || serverEvents[0].Kind != events.Connected {
		t.Fatalf("server events = %+v", serverEvents)
	}
	if len(clientEvents) != 1 || clientEvents[0].Kind != events.Connected {
		t.Fatalf("client events = %+v", clientEvents)
	}
}

func TestTickReplicatesSpawnedEntityFromServerToClient(t *testing.T) {
	serverCore, clientCore, serverWorld, clientWorld, serverEP, clientEP := newTestPair(t)
	now := time.Now()
	peerID := uuid.New()

	serverCore.Connect(now, peerID, serverEP, ServerRole, 0)
	clientCore.Connect(now, peerID, clientEP, ClientRole, 1000)

	entity := serverWorld.Spawn()
	serverWorld.Insert(entity, kindPosition, []byte{1, 2, 3})
	serverCore.MarkReplicated(peerID, entity, 1, replication.AlwaysVisible)

	// Server tick builds and sends the spawn; client tick receives and
	// applies it. Run a few rounds since Memory.Send only buffers, it
	// doesn't push through a wire.
	for i := 0; i < 3; i++ {
		now = now.Add(50 * time.Millisecond)
		serverCore.Tick(now, nil)
		clientCore.Tick(now, nil)
	}

	found := false
	for id := range clientWorld.live {
		if v, ok := clientWorld.Get(id, kindPosition); ok {
			if b, ok := v.([]byte); ok && string(b) == string([]byte{1, 2, 3}) {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("client world never received replicated entity: %+v", clientWorld.components)
	}
}

func TestTickDeliversSecondUpdateOverSequencedChannel(t *testing.T) {
	serverCore, clientCore, serverWorld, clientWorld, serverEP, clientEP := newTestPair(t)
	now := time.Now()
	peerID := uuid.New()

	serverCore.Connect(now, peerID, serverEP, ServerRole, 0)
	clientCore.Connect(now, peerID, clientEP, ClientRole, 1000)

	entity := serverWorld.Spawn()
	serverWorld.Insert(entity, kindPosition, []byte{1, 2, 3})
	serverCore.MarkReplicated(peerID, entity, 1, replication.AlwaysVisible)

	for i := 0; i < 3; i++ {
		now = now.Add(50 * time.Millisecond)
		serverCore.Tick(now, nil)
		clientCore.Tick(now, nil)
	}

	// A second, distinct value change must also reach the client. Before
	// the sequenced channel assigned real MessageIds, every update after
	// the first was discarded by the receiver's staleness gate.
	serverWorld.Insert(entity, kindPosition, []byte{9, 9, 9})
	for i := 0; i < 3; i++ {
		now = now.Add(50 * time.Millisecond)
		serverCore.Tick(now, nil)
		clientCore.Tick(now, nil)
	}

	found := false
	for id := range clientWorld.live {
		if v, ok := clientWorld.Get(id, kindPosition); ok {
			if b, ok := v.([]byte); ok && string(b) == string([]byte{9, 9, 9}) {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("client world never received the second replicated update: %+v", clientWorld.components)
	}
}

func TestInterpolationSnapshotsAreRecordedFromReplicationUpdates(t *testing.T) {
	serverCore, clientCore, serverWorld, clientWorld, serverEP, clientEP := newTestPair(t)
	clientCore.EnableInterpolation(map[world.ComponentKind]interpolation.Policy{kindPosition: interpolation.Nearest})

	now := time.Now()
	peerID := uuid.New()
	serverCore.Connect(now, peerID, serverEP, ServerRole, 0)
	clientCore.Connect(now, peerID, clientEP, ClientRole, 1000)

	entity := serverWorld.Spawn()
	serverWorld.Insert(entity, kindPosition, []byte{1, 2, 3})
	serverCore.MarkReplicated(peerID, entity, 1, replication.AlwaysVisible)

	for i := 0; i < 3; i++ {
		now = now.Add(50 * time.Millisecond)
		serverCore.Tick(now, nil)
		clientCore.Tick(now, nil)
	}

	var local world.EntityID
	for id := range clientWorld.live {
		local = id
	}
	if local == 0 {
		t.Fatal("client world never received replicated entity")
	}

	// Nothing recorded yet: RecordSnapshot is a no-op until MarkInterpolated.
	if _, ok := clientCore.SampleInterpolated(local, 1_000_000, 0); ok {
		t.Fatal("expected no interpolation sample before MarkInterpolated")
	}

	clientCore.MarkInterpolated(local)

	// A changed value drives a fresh update over the sequenced channel,
	// which applyDelivery must feed into the interpolation sampler.
	serverWorld.Insert(entity, kindPosition, []byte{4, 5, 6})
	for i := 0; i < 3; i++ {
		now = now.Add(50 * time.Millisecond)
		serverCore.Tick(now, nil)
		clientCore.Tick(now, nil)
	}

	values, ok := clientCore.SampleInterpolated(local, 1_000_000, 0)
	if !ok {
		t.Fatal("expected an interpolation sample once a snapshot has been recorded")
	}
	if b, ok := values[kindPosition].([]byte); !ok || string(b) != string([]byte{4, 5, 6}) {
		t.Errorf("sampled value = %v, want [4 5 6]", values[kindPosition])
	}
}

func TestDisconnectRemovesPeerAndEmitsEvent(t *testing.T) {
	serverCore, _, _, _, serverEP, clientEP := newTestPair(t)
	_ = clientEP
	now := time.Now()
	peerID := uuid.New()
	serverCore.Connect(now, peerID, serverEP, ServerRole, 0)
	serverCore.PollEvents()

	serverCore.Disconnect(peerID, events.ReasonLocal)

	if _, ok := serverCore.Peer(peerID); ok {
		t.Fatal("peer still present after Disconnect")
	}
	evs := serverCore.PollEvents()
	if len(evs) != 1 || evs[0].Kind != events.Disconnected || evs[0].Reason != events.ReasonLocal {
		t.Fatalf("unexpected events after disconnect: %+v", evs)
	}
}

func TestTimeoutDisconnectsSilentPeer(t *testing.T) {
	serverCore, _, _, _, serverEP, _ := newTestPair(t)
	now := time.Now()
	peerID := uuid.New()
	serverCore.Connect(now, peerID, serverEP, ServerRole, 0)
	serverCore.PollEvents()

	later := now.Add(10 * time.Second)
	serverCore.Tick(later, nil)

	if _, ok := serverCore.Peer(peerID); ok {
		t.Fatal("peer should have been timed out")
	}
	evs := serverCore.PollEvents()
	found := false
	for _, e := range evs {
		if e.Kind == events.Disconnected && e.Reason == events.ReasonTimeout {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a timeout disconnect event, got %+v", evs)
	}
}

func TestPushInputAndPeekInputRoundTripsToServer(t *testing.T) {
	serverCore, clientCore, _, _, serverEP, clientEP := newTestPair(t)
	now := time.Now()
	peerID := uuid.New()

	serverCore.Connect(now, peerID, serverEP, ServerRole, 0)
	clientCore.Connect(now, peerID, clientEP, ClientRole, 1000)

	clientCore.PushInput(peerID, 1000, []byte{9, 9})

	var got []byte
	for i := 0; i < 4; i++ {
		now = now.Add(50 * time.Millisecond)
		clientCore.Tick(now, nil)
		serverCore.Tick(now, nil)
		if b := serverCore.PeekInput(peerID, 1000); b != nil {
			got = b
			break
		}
	}
	if string(got) != "\x09\x09" {
		t.Fatalf("server never observed pushed input, got %v", got)
	}
}
