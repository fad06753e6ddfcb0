package manager_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kliu/painttyServer/internal/domain"
	"github.com/kliu/painttyServer/internal/manager"
	"github.com/kliu/painttyServer/internal/persist"
	"github.com/kliu/painttyServer/internal/registry"
	"github.com/kliu/painttyServer/internal/replication"
	"github.com/kliu/painttyServer/internal/repository/mocks"
	"github.com/kliu/painttyServer/internal/room"
	"github.com/kliu/painttyServer/internal/router"
	"github.com/kliu/painttyServer/internal/tasks"
)

type fakeResponder struct {
	mu      sync.Mutex
	replies []map[string]interface{}
}

func (f *fakeResponder) Send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	f.mu.Lock()
	f.replies = append(f.replies, m)
	f.mu.Unlock()
}

func (f *fakeResponder) last(t *testing.T) map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		t.Fatal("no reply was sent")
	}
	return f.replies[len(f.replies)-1]
}

func (f *fakeResponder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

type fakePublisher struct {
	mu       sync.Mutex
	newRooms []domain.RoomInfo
	closed   []string
}

func (f *fakePublisher) PublishNewRoom(info domain.RoomInfo) {
	f.mu.Lock()
	f.newRooms = append(f.newRooms, info)
	f.mu.Unlock()
}

func (f *fakePublisher) PublishRoomClose(name string) {
	f.mu.Lock()
	f.closed = append(f.closed, name)
	f.mu.Unlock()
}

type fakeQueue struct {
	mu    sync.Mutex
	types []string
}

func (f *fakeQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	f.types = append(f.types, task.Type())
	f.mu.Unlock()
	return &asynq.TaskInfo{}, nil
}

func (f *fakeQueue) taskTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.types...)
}

type testHarness struct {
	mgr   *manager.Manager
	rt    *router.Router
	pub   *fakePublisher
	queue *fakeQueue
	repo  *mocks.RoomRepository
}

func newHarness(t *testing.T, maxRoom int, busy func() bool) *testHarness {
	t.Helper()
	queue := &fakeQueue{}
	repo := new(mocks.RoomRepository)
	pub := &fakePublisher{}
	reg := registry.New(maxRoom)
	mgr := manager.New(manager.Config{
		Name:          "test",
		LocalID:       1,
		MaxRoom:       maxRoom,
		ServerAddress: "10.0.0.5",
	}, reg, persist.NewBridge(queue, repo), pub, busy)
	rt := router.New()
	mgr.Register(rt)
	t.Cleanup(mgr.Stop)
	return &testHarness{mgr: mgr, rt: rt, pub: pub, queue: queue, repo: repo}
}

func newRoomRequest(name string) []byte {
	return []byte(fmt.Sprintf(
		`{"request":"newroom","info":{"name":%q,"maxload":5,"size":{"width":800,"height":600}}}`,
		name))
}

func (h *testHarness) createRoom(t *testing.T, name string) map[string]interface{} {
	t.Helper()
	resp := &fakeResponder{}
	h.rt.Dispatch(resp, newRoomRequest(name))
	return resp.last(t)
}

func TestNewRoom_Success(t *testing.T) {
	h := newHarness(t, 10, nil)

	reply := h.createRoom(t, "alpha")
	assert.Equal(t, "newroom", reply["response"])
	assert.Equal(t, true, reply["result"])

	info, ok := reply["info"].(map[string]interface{})
	require.True(t, ok, "success reply carries an info block")
	assert.Greater(t, info["port"].(float64), float64(0))
	assert.Len(t, info["key"].(string), 32)

	assert.Equal(t, 1, h.mgr.Registry().Count())
	assert.True(t, h.mgr.Registry().Has("alpha"))

	// Create side effects: one relay publish, one durable upsert.
	require.Len(t, h.pub.newRooms, 1)
	assert.Equal(t, "alpha", h.pub.newRooms[0].Name)
	assert.Greater(t, h.pub.newRooms[0].Timestamp, int64(0))
	assert.Equal(t, []string{tasks.TypeRoomUpsert}, h.queue.taskTypes())
}

func TestRoomList_ReflectsCreatedRoom(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.createRoom(t, "alpha")

	resp := &fakeResponder{}
	h.rt.Dispatch(resp, []byte(`{"request":"roomlist"}`))

	reply := resp.last(t)
	assert.Equal(t, "roomlist", reply["response"])
	assert.Equal(t, true, reply["result"])

	list, ok := reply["roomlist"].([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)
	entry := list[0].(map[string]interface{})
	assert.Equal(t, "alpha", entry["name"])
	assert.Equal(t, float64(5), entry["maxload"])
	assert.Equal(t, float64(0), entry["currentload"])
	assert.Equal(t, false, entry["private"])
	assert.Equal(t, "10.0.0.5", entry["serveraddress"])
	assert.Greater(t, entry["port"].(float64), float64(0))
}

func TestNewRoom_RejectionCodes(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.createRoom(t, "alpha")

	for name, tc := range map[string]struct {
		raw  []byte
		code float64
	}{
		"missing info":   {[]byte(`{"request":"newroom"}`), 200},
		"duplicate name": {newRoomRequest("alpha"), 202},
		"bad name":       {[]byte(`{"request":"newroom","info":{"name":"","maxload":5,"size":{"width":8,"height":6}}}`), 203},
		"bad maxload":    {[]byte(`{"request":"newroom","info":{"name":"b","maxload":20,"size":{"width":8,"height":6}}}`), 204},
		"bad size":       {[]byte(`{"request":"newroom","info":{"name":"b","maxload":5}}`), 211},
	} {
		t.Run(name, func(t *testing.T) {
			resp := &fakeResponder{}
			h.rt.Dispatch(resp, tc.raw)
			reply := resp.last(t)
			assert.Equal(t, false, reply["result"])
			assert.Equal(t, tc.code, reply["errcode"])
			assert.NotContains(t, reply, "info")
		})
	}

	// Failed requests never registered anything.
	assert.Equal(t, 1, h.mgr.Registry().Count())
}

func TestNewRoom_ShedsWhenOverloaded(t *testing.T) {
	h := newHarness(t, 10, func() bool { return true })

	reply := h.createRoom(t, "alpha")
	assert.Equal(t, false, reply["result"])
	assert.Equal(t, float64(201), reply["errcode"])
	assert.Equal(t, 0, h.mgr.Registry().Count())
}

func TestNewRoom_RoomLimit(t *testing.T) {
	h := newHarness(t, 1, nil)

	reply := h.createRoom(t, "alpha")
	require.Equal(t, true, reply["result"])

	reply = h.createRoom(t, "beta")
	assert.Equal(t, false, reply["result"])
	assert.Equal(t, float64(210), reply["errcode"])
}

// Two simultaneous requests for the same free name must never both
// succeed: the registry reserves the name atomically at admission, after
// both have already passed validation.
func TestNewRoom_ConcurrentDuplicateNameAdmitsOne(t *testing.T) {
	var (
		mu      sync.Mutex
		arrived int
	)
	gate := make(chan struct{})
	// The busy hook runs between validation and admission; park both
	// requests there so each has validated against an empty registry.
	busy := func() bool {
		mu.Lock()
		arrived++
		if arrived == 2 {
			close(gate)
		}
		mu.Unlock()
		<-gate
		return false
	}
	h := newHarness(t, 10, busy)

	resps := [2]*fakeResponder{{}, {}}
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(resp *fakeResponder) {
			defer wg.Done()
			h.rt.Dispatch(resp, newRoomRequest("dup"))
		}(resps[i])
	}
	wg.Wait()

	var accepted, rejected int
	for _, resp := range resps {
		reply := resp.last(t)
		if reply["result"] == true {
			accepted++
			assert.NotNil(t, reply["info"])
		} else {
			rejected++
			assert.Equal(t, float64(202), reply["errcode"])
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, rejected)

	// Exactly one room exists, owns its tables, and was announced once.
	assert.Equal(t, 1, h.mgr.Registry().Count())
	assert.Len(t, h.mgr.Registry().LocalRooms(), 1)
	assert.Len(t, h.pub.newRooms, 1)
}

func TestJoin_NotImplementedReply(t *testing.T) {
	h := newHarness(t, 10, nil)

	resp := &fakeResponder{}
	h.rt.Dispatch(resp, []byte(`{"request":"join","info":{"name":"alpha"}}`))
	reply := resp.last(t)
	assert.Equal(t, "join", reply["response"])
	assert.Equal(t, false, reply["result"])
}

func TestRoomClose_UnregistersAndPublishes(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.createRoom(t, "alpha")

	rooms := h.mgr.Registry().LocalRooms()
	require.Len(t, rooms, 1)
	rooms[0].Close()

	assert.Equal(t, 0, h.mgr.Registry().Count())
	assert.Equal(t, []string{"alpha"}, h.pub.closed)

	resp := &fakeResponder{}
	h.rt.Dispatch(resp, []byte(`{"request":"roomlist"}`))
	list := resp.last(t)["roomlist"].([]interface{})
	assert.Empty(t, list)
}

func TestRoomDestroy_EnqueuesDelete(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.createRoom(t, "alpha")

	rm, ok := h.mgr.Registry().LocalRooms()[0].(*room.Room)
	require.True(t, ok)
	rm.Destroy()

	assert.Equal(t, []string{tasks.TypeRoomUpsert, tasks.TypeRoomDelete}, h.queue.taskTypes())
	assert.Equal(t, []string{"alpha"}, h.pub.closed)
}

func TestApplyReplicated_SiblingRooms(t *testing.T) {
	h := newHarness(t, 10, nil)

	h.mgr.ApplyReplicated(replication.KindNewRoom, domain.RoomInfo{
		Name: "remote", Port: 41000, MaxLoad: 8, CurrentLoad: 3, Private: true,
	})

	resp := &fakeResponder{}
	h.rt.Dispatch(resp, []byte(`{"request":"roomlist"}`))
	list := resp.last(t)["roomlist"].([]interface{})
	require.Len(t, list, 1)
	entry := list[0].(map[string]interface{})
	assert.Equal(t, "remote", entry["name"])
	assert.Equal(t, float64(41000), entry["port"])
	assert.Equal(t, true, entry["private"])

	// A replicated entry blocks the name for local creation.
	reply := h.createRoom(t, "remote")
	assert.Equal(t, float64(202), reply["errcode"])

	h.mgr.ApplyReplicated(replication.KindRoomClose, domain.RoomInfo{Name: "remote"})
	assert.Equal(t, 0, h.mgr.Registry().Count())
}

func TestLocalcast_FansOutToLocalRooms(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.createRoom(t, "alpha")

	var got [][]byte
	rm, ok := h.mgr.Registry().LocalRooms()[0].(*room.Room)
	require.True(t, ok)
	rm.SetBroadcast(func(msg []byte) { got = append(got, msg) })

	h.mgr.Localcast([]byte(`{"note":"maintenance"}`))
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"note":"maintenance"}`, string(got[0]))
}

func TestRecover_IsolatesMalformedDocuments(t *testing.T) {
	h := newHarness(t, 10, nil)

	docs := []domain.RoomDocument{
		{Name: "good1", MaxLoad: 5, Key: "aaaabbbbccccddddaaaabbbbccccdddd", ExpirationHours: 48},
		{Name: "", Key: "orphan-key"},
		{Name: "good2", MaxLoad: 3, Key: "ddddccccbbbbaaaaddddccccbbbbaaaa", ExpirationHours: 48},
	}
	h.repo.On("FindByLocalID", mock.Anything, 1).Return(docs, nil)

	require.NoError(t, h.mgr.Recover(context.Background()))

	assert.Equal(t, 2, h.mgr.Registry().Count())
	assert.True(t, h.mgr.Registry().Has("good1"))
	assert.True(t, h.mgr.Registry().Has("good2"))

	// Recovered rooms re-announce themselves to siblings and refresh their
	// documents.
	assert.Len(t, h.pub.newRooms, 2)
	assert.Equal(t, []string{tasks.TypeRoomUpsert, tasks.TypeRoomUpsert}, h.queue.taskTypes())
}

func TestRecover_QueryFailureAborts(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.repo.On("FindByLocalID", mock.Anything, 1).Return(nil, errors.New("db unreachable"))

	assert.Error(t, h.mgr.Recover(context.Background()))
	assert.Equal(t, 0, h.mgr.Registry().Count())
}

func TestStop_ClosesLocalRooms(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.createRoom(t, "alpha")
	h.createRoom(t, "beta")
	require.Equal(t, 2, h.mgr.Registry().Count())

	h.mgr.Stop()

	assert.Equal(t, 0, h.mgr.Registry().Count())
	assert.ElementsMatch(t, []string{"alpha", "beta"}, h.pub.closed)
}

// Exactly one reply per request on every admission path.
func TestNewRoom_ExactlyOneReply(t *testing.T) {
	h := newHarness(t, 10, nil)

	for _, raw := range [][]byte{
		newRoomRequest("alpha"),
		newRoomRequest("alpha"), // duplicate
		[]byte(`{"request":"newroom"}`),
	} {
		resp := &fakeResponder{}
		h.rt.Dispatch(resp, raw)
		assert.Equal(t, 1, resp.count())
	}
}

// Checkout heartbeats flow from the room through the bridge to the queue.
func TestCheckout_ReachesQueue(t *testing.T) {
	queue := &fakeQueue{}
	repo := new(mocks.RoomRepository)
	reg := registry.New(10)
	mgr := manager.New(manager.Config{
		Name:    "test",
		LocalID: 1,
		Room:    room.Config{CheckoutInterval: 20 * time.Millisecond},
	}, reg, persist.NewBridge(queue, repo), nil, nil)
	defer mgr.Stop()
	rt := router.New()
	mgr.Register(rt)

	resp := &fakeResponder{}
	rt.Dispatch(resp, newRoomRequest("beat"))
	require.Equal(t, true, resp.last(t)["result"])

	assert.Eventually(t, func() bool {
		for _, typ := range queue.taskTypes() {
			if typ == tasks.TypeRoomCheckout {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
