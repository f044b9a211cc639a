package collective

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pmixstepd/coll/internal/wire"
)

type recordingSender struct {
	mu    sync.Mutex
	sends []sendRecord
}

type sendRecord struct {
	dest  string
	frame []byte
}

func (s *recordingSender) Send(destHost string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sendRecord{dest: destHost, frame: append([]byte{}, frame...)})
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

func TestBuildTreeTwoNode(t *testing.T) {
	tree := BuildTree([]string{"n0", "n1"}, 0, 16)
	require.True(t, tree.IsRoot)
	require.Equal(t, []int{1}, tree.ChildrenNodeIDs)

	tree = BuildTree([]string{"n0", "n1"}, 1, 16)
	require.False(t, tree.IsRoot)
	require.Equal(t, "n0", tree.ParentHost)
	require.Empty(t, tree.ChildrenNodeIDs)
}

func TestContribLocalLeafSendsToParent(t *testing.T) {
	hostlist := []string{"n0", "n1"}
	sender := &recordingSender{}
	var gotStatus Status
	var gotPayload []byte
	cb := func(status Status, payload []byte) {
		gotStatus = status
		gotPayload = payload
	}

	leaf := NewInstance(FenceFlavourDefault, hostlist, "n1", 16, time.Second, sender, cb)
	leaf.ContribLocal([]byte("n1-data"))

	require.Equal(t, 1, sender.count())
	require.Equal(t, "n0", sender.sends[0].dest)
	require.Equal(t, stateFanOut, leaf.st)

	_ = gotStatus
	_ = gotPayload
}

func TestRootCompletesWithOneChild(t *testing.T) {
	hostlist := []string{"n0", "n1"}
	sender := &recordingSender{}
	done := make(chan []byte, 1)
	cb := func(status Status, payload []byte) {
		require.Equal(t, StatusSuccess, status)
		done <- payload
	}

	root := NewInstance(FenceFlavourDefault, hostlist, "n0", 16, time.Second, sender, cb)
	root.ContribLocal([]byte("n0-data"))
	require.Equal(t, stateFanIn, root.st, "root should wait for its one child before fanning out")

	root.ContribNode("n1", 0, []byte("n1-data"))

	// recordingSender does not loop the root's self-addressed FAN_OUT
	// frame back into FanOutData, so deliver it by hand.
	root.FanOutData(sender.sends[0].frame[wire.HeaderSize:])

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completion callback never fired")
	}

	// Root fans out to every node in the hostlist, including itself.
	require.Equal(t, 2, sender.count())
}

func TestContribNodeRejectsNonChild(t *testing.T) {
	hostlist := []string{"n0", "n1", "n2"}
	sender := &recordingSender{}
	root := NewInstance(FenceFlavourDefault, hostlist, "n0", 1, time.Second, sender, nil)

	defer func() {
		if recover() == nil {
			t.Fatal("ContribNode from a non-child did not panic")
		}
	}()
	// With width 1, n2 is a grandchild (child of n1), not a direct child of n0.
	root.ContribNode("n2", 0, []byte("x"))
}

func TestContribNodeDropsDuplicateRetransmission(t *testing.T) {
	hostlist := []string{"n0", "n1", "n2"}
	sender := &recordingSender{}
	root := NewInstance(FenceFlavourDefault, hostlist, "n0", 16, time.Second, sender, nil)

	// A peer contribution is only counted once the round is in FAN_IN;
	// the local contribution is what starts the round.
	root.ContribLocal([]byte("n0-data"))
	root.ContribNode("n1", 0, []byte("first"))
	require.Equal(t, 1, root.contribCntr)

	// A retransmission of the same child's contribution must not double count.
	root.ContribNode("n1", 0, []byte("duplicate"))
	require.Equal(t, 1, root.contribCntr, "duplicate child contribution must be dropped")
}

func TestContribNodeDropsLateArrival(t *testing.T) {
	hostlist := []string{"n0", "n1"}
	sender := &recordingSender{}
	root := NewInstance(FenceFlavourDefault, hostlist, "n0", 16, time.Second, sender, func(Status, []byte) {})

	root.ContribLocal([]byte("n0-data"))
	root.ContribNode("n1", 0, []byte("n1-data")) // completes fan-in, root fans out
	// recordingSender does not loop the self-addressed FAN_OUT frame back,
	// so deliver it by hand; that finishes the round and resets to SYNC.
	root.FanOutData(sender.sends[0].frame[wire.HeaderSize:])

	require.Equal(t, stateSync, root.st)

	// A second, late contribution from n1 before it joins the next round
	// must be dropped rather than corrupting the next round's count. Its
	// generation (1) is current, so this exercises the state check, not
	// the stale-generation check.
	root.ContribNode("n1", 1, []byte("late"))
	require.Equal(t, 0, root.contribCntr)
}

// TestContribNodeRejectsStaleGeneration reproduces scenario S3's second
// requirement: once a round has completed and seq has advanced, a
// contribution retransmitted with the old (now stale) generation must
// be rejected rather than folded into the new round.
func TestContribNodeRejectsStaleGeneration(t *testing.T) {
	hostlist := []string{"n0", "n1"}
	sender := &recordingSender{}
	root := NewInstance(FenceFlavourDefault, hostlist, "n0", 16, time.Second, sender, func(Status, []byte) {})

	// Round 0 completes, advancing seq to 1. The root's self-addressed
	// FAN_OUT frame is delivered by hand, since recordingSender does not
	// loop it back.
	root.ContribLocal([]byte("n0-data"))
	root.ContribNode("n1", 0, []byte("n1-data"))
	root.FanOutData(sender.sends[0].frame[wire.HeaderSize:])
	require.Equal(t, uint32(1), root.seq)
	require.Equal(t, stateSync, root.st)

	// Round 1 begins.
	root.ContribLocal([]byte("n0-data-round1"))
	require.Equal(t, stateFanIn, root.st)

	// n1 retransmits its round-0 contribution, still tagged gen=0. It
	// must be dropped: accepting it would corrupt round 1's count with
	// stale payload from a round that already finished.
	root.ContribNode("n1", 0, []byte("stale-n1-data"))
	require.Equal(t, 0, root.contribCntr, "stale-generation contribution must be dropped")
	require.Equal(t, stateFanIn, root.st, "round 1 must still be waiting on n1's fresh contribution")

	// n1's fresh, correctly tagged contribution for round 1 is accepted.
	root.ContribNode("n1", 1, []byte("fresh-n1-data"))
	require.Equal(t, 1, root.contribCntr)
	require.Equal(t, stateFanOut, root.st)
}

func TestFanOutDataInvokesCallbackAndResets(t *testing.T) {
	hostlist := []string{"n0"}
	sender := &recordingSender{}
	var got []byte
	leaf := NewInstance(FenceFlavourDefault, hostlist, "n0", 16, time.Second, sender, func(status Status, payload []byte) {
		got = payload
	})
	leaf.ContribLocal([]byte("solo"))
	require.Equal(t, stateFanOut, leaf.st)

	leaf.FanOutData([]byte("aggregated"))
	require.Equal(t, "aggregated", string(got))
	require.Equal(t, stateSync, leaf.st)
	require.Equal(t, uint32(1), leaf.seq)
}

func TestFanOutDataPanicsOutsideFanOut(t *testing.T) {
	hostlist := []string{"n0"}
	leaf := NewInstance(FenceFlavourDefault, hostlist, "n0", 16, time.Second, &recordingSender{}, nil)

	defer func() {
		if recover() == nil {
			t.Fatal("FanOutData did not panic outside FAN_OUT")
		}
	}()
	leaf.FanOutData([]byte("x"))
}

func TestResetIfTimedOutFiresOnceAndAdvancesSeq(t *testing.T) {
	hostlist := []string{"n0", "n1"}
	sender := &recordingSender{}
	var timeoutCount int
	leaf := NewInstance(FenceFlavourDefault, hostlist, "n1", 16, 10*time.Millisecond, sender, func(status Status, payload []byte) {
		if status == StatusTimeout {
			timeoutCount++
		}
	})
	leaf.ContribLocal([]byte("data")) // enters FAN_IN then FAN_OUT (sends to parent, waits)

	// Force the instance back to a waiting state to exercise the sweep:
	// fan-in with an unmet child count simulates "waiting on children".
	hostlist3 := []string{"n0", "n1", "n2"}
	waiting := NewInstance(FenceFlavourDefault, hostlist3, "n0", 1, 10*time.Millisecond, sender, func(status Status, payload []byte) {
		if status == StatusTimeout {
			timeoutCount++
		}
	})
	waiting.ContribLocal([]byte("root-data")) // only local contributed; one child outstanding

	time.Sleep(20 * time.Millisecond)
	fired := waiting.ResetIfTimedOut(time.Now())
	require.True(t, fired)
	require.Equal(t, 1, timeoutCount)
	require.Equal(t, stateSync, waiting.st)
	require.Equal(t, uint32(1), waiting.seq)

	// A second sweep immediately after must not fire again: the instance
	// just reset to SYNC.
	fired = waiting.ResetIfTimedOut(time.Now())
	require.False(t, fired)
	require.Equal(t, 1, timeoutCount)

	_ = leaf
}

func TestNoSendWhileLocked(t *testing.T) {
	hostlist := []string{"n0", "n1"}
	blocking := &lockCheckingSender{t: t}
	root := NewInstance(FenceFlavourDefault, hostlist, "n0", 16, time.Second, blocking, nil)
	blocking.instance = root

	root.ContribLocal([]byte("n0-data"))
	root.ContribNode("n1", 0, []byte("n1-data"))
}

// lockCheckingSender verifies the instance's mutex is NOT held while
// Send is in progress, enforcing the critical-section rule that the
// network send happens outside the lock.
type lockCheckingSender struct {
	t        *testing.T
	instance *Instance
}

func (s *lockCheckingSender) Send(destHost string, frame []byte) error {
	if !s.instance.mu.TryLock() {
		s.t.Fatal("Send called while instance mutex was held")
	} else {
		s.instance.mu.Unlock()
	}
	return nil
}
