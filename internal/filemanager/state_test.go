package filemanager

import "testing"

func TestCanTransitionAllowsSpecifiedMoves(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateOpen, true},
		{StateOpen, StateClosingModified, true},
		{StateClosingModified, StateUploading, true},
		{StateUploading, StateClosingModified, true},
		{StateUploading, StateClosed, true},
		{StateClosed, StateOpen, false},
		{StateOpen, StateUploading, false},
	}
	for _, c := range cases {
		if got := canTransition(c.from, c.to); got != c.want {
			t.Fatalf("canTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestOpenFileTransitionRejectsIllegalMove(t *testing.T) {
	f := newOpenFile("/a.txt", "/tmp/src", 10, 4, false)
	if err := f.transition(StateOpen); err != nil {
		t.Fatalf("expected legal transition to succeed: %v", err)
	}
	if err := f.transition(StateUploading); err == nil {
		t.Fatal("expected illegal transition open->uploading to fail")
	}
}
