package session

import "testing"

func TestConnectingAckOperateFlow(t *testing.T) {
	tbl := NewTable(2)

	if tbl.Get(0).State() != StateUnconnected {
		t.Fatalf("initial state = %v, want StateUnconnected", tbl.Get(0).State())
	}
	if !tbl.Connecting(0, 7, nil) {
		t.Fatal("Connecting on an unconnected task should succeed")
	}
	if tbl.Get(0).State() != StateAck {
		t.Fatalf("state after Connecting = %v, want StateAck", tbl.Get(0).State())
	}
	if tbl.Get(0).FD() != 7 {
		t.Errorf("FD() = %d, want 7", tbl.Get(0).FD())
	}

	if !tbl.Connected(0) {
		t.Fatal("Connected on an Ack task should succeed")
	}
	if tbl.Get(0).State() != StateOperate {
		t.Fatalf("state after Connected = %v, want StateOperate", tbl.Get(0).State())
	}
}

func TestConnectingRejectsAlreadyConnectedTask(t *testing.T) {
	tbl := NewTable(1)
	tbl.Connecting(0, 1, nil)
	if tbl.Connecting(0, 2, nil) {
		t.Fatal("Connecting on an already-connecting task should fail")
	}
}

func TestCollectiveRoundTrip(t *testing.T) {
	tbl := NewTable(1)
	tbl.Connecting(0, 1, nil)
	tbl.Connected(0)

	if !tbl.EnterCollective(0) {
		t.Fatal("EnterCollective from Operate should succeed")
	}
	if tbl.Get(0).State() != StateColl {
		t.Fatalf("state after EnterCollective = %v, want StateColl", tbl.Get(0).State())
	}

	// A duplicate contribution attempt while already in Coll must be rejected.
	if tbl.EnterCollective(0) {
		t.Fatal("EnterCollective while already in Coll should fail")
	}

	if !tbl.FinishCollective(0) {
		t.Fatal("FinishCollective from Coll should succeed")
	}
	if tbl.Get(0).State() != StateOperate {
		t.Fatalf("state after FinishCollective = %v, want StateOperate", tbl.Get(0).State())
	}
}

func TestFinalizeResetsToUnconnected(t *testing.T) {
	tbl := NewTable(1)
	tbl.Connecting(0, 3, nil)
	tbl.Connected(0)
	tbl.Finalize(0)

	s := tbl.Get(0)
	if s.State() != StateUnconnected {
		t.Errorf("state after Finalize = %v, want StateUnconnected", s.State())
	}
	if s.FD() != -1 {
		t.Errorf("FD() after Finalize = %d, want -1", s.FD())
	}
}

func TestGetPanicsOnOutOfRangeTask(t *testing.T) {
	tbl := NewTable(1)
	defer func() {
		if recover() == nil {
			t.Fatal("Get did not panic on out-of-range task id")
		}
	}()
	tbl.Get(5)
}
