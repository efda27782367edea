package replicalog

import (
	"encoding/json"
	"testing"
)

func TestAppendGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	idx, err := l.Append(Record{View: 1, Command: json.RawMessage(`{"op":"commit"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 {
		t.Fatalf("first Append index = %d, want 1", idx)
	}

	rec, err := l.Get(idx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.View != 1 || string(rec.Command) != `{"op":"commit"}` {
		t.Fatalf("Get(%d) = %+v, want matching record", idx, rec)
	}
}

func TestAppendAssignsSequentialIndices(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for want := uint64(1); want <= 5; want++ {
		idx, err := l.Append(Record{View: 1, Command: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatal(err)
		}
		if idx != want {
			t.Fatalf("Append index = %d, want %d", idx, want)
		}
	}
	last, err := l.LastIndex()
	if err != nil {
		t.Fatal(err)
	}
	if last != 5 {
		t.Fatalf("LastIndex = %d, want 5", last)
	}
}

func TestTruncateDiscardsTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for i := 0; i < 4; i++ {
		if _, err := l.Append(Record{View: 1, Command: json.RawMessage(`{}`)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Truncate(3); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Get(3); err == nil {
		t.Fatal("expected Get(3) to fail after truncation")
	}
	if _, err := l.Get(2); err != nil {
		t.Fatalf("Get(2) should still succeed after truncating from 3: %v", err)
	}
}

func TestReplayVisitsInOrder(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for i := 1; i <= 3; i++ {
		cmd, _ := json.Marshal(map[string]int{"n": i})
		if _, err := l.Append(Record{View: 1, Command: cmd}); err != nil {
			t.Fatal(err)
		}
	}

	var seen []uint64
	err = l.Replay(func(index uint64, rec Record) error {
		seen = append(seen, index)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("Replay visited %v, want [1 2 3]", seen)
	}
}
