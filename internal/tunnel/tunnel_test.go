package tunnel

import (
	"errors"
	"testing"
)

func TestAddAllocatesMonotonically(t *testing.T) {
	tbl := New()
	for want := 0; want < 5; want++ {
		id := tbl.Add(Entry{Resolve: func([]byte) {}, Reject: func(error) {}})
		if id != want {
			t.Fatalf("Add returned %d, want %d", id, want)
		}
	}
	if tbl.Len() != 5 {
		t.Fatalf("Len = %d, want 5", tbl.Len())
	}
}

func TestResolveCompletesExactlyOnce(t *testing.T) {
	tbl := New()
	resolved := 0
	id := tbl.Add(Entry{
		Resolve: func(payload []byte) {
			resolved++
			if string(payload) != `"ok"` {
				t.Errorf("unexpected payload %q", payload)
			}
		},
		Reject: func(error) { t.Error("reject must not run") },
	})
	if err := tbl.Resolve(id, []byte(`"ok"`)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("resolved %d times", resolved)
	}
	if err := tbl.Resolve(id, nil); err == nil {
		t.Fatal("second Resolve on the same id should fail")
	}
	if err := tbl.Reject(id, errors.New("late")); err == nil {
		t.Fatal("Reject after Resolve should fail")
	}
}

func TestRejectUnknownID(t *testing.T) {
	tbl := New()
	if err := tbl.Reject(42, errors.New("nope")); err == nil {
		t.Fatal("unknown id should fail")
	}
}

func TestIDsNeverReused(t *testing.T) {
	tbl := New()
	first := tbl.Add(Entry{Resolve: func([]byte) {}, Reject: func(error) {}})
	if err := tbl.Resolve(first, nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second := tbl.Add(Entry{Resolve: func([]byte) {}, Reject: func(error) {}})
	if second == first {
		t.Fatal("completed id was reused")
	}
}

func TestRejectAll(t *testing.T) {
	tbl := New()
	cause := errors.New("stopped")
	rejected := 0
	for i := 0; i < 3; i++ {
		tbl.Add(Entry{
			Resolve: func([]byte) { t.Error("resolve must not run") },
			Reject: func(err error) {
				rejected++
				if !errors.Is(err, cause) {
					t.Errorf("unexpected cause %v", err)
				}
			},
		})
	}
	tbl.RejectAll(cause)
	if rejected != 3 {
		t.Fatalf("rejected %d entries, want 3", rejected)
	}
	if tbl.Len() != 0 {
		t.Fatalf("table not cleared: %d", tbl.Len())
	}
}

func TestRejectEnclosures(t *testing.T) {
	tbl := New()
	cause := errors.New("deleted")
	var rejected []string
	add := func(enclosure string) {
		tbl.Add(Entry{
			Resolve:   func([]byte) {},
			Reject:    func(error) { rejected = append(rejected, enclosure) },
			Enclosure: enclosure,
		})
	}
	add("root.a")
	add("root.a.b")
	add("root.ab") // sibling with a common prefix, must survive
	add("root.c")
	add("") // lifecycle request, must survive

	tbl.RejectEnclosures([]string{"root.a"}, cause)
	if len(rejected) != 2 {
		t.Fatalf("rejected %v, want root.a and root.a.b", rejected)
	}
	for _, enclosure := range rejected {
		if enclosure != "root.a" && enclosure != "root.a.b" {
			t.Fatalf("unexpected rejection of %q", enclosure)
		}
	}
	if tbl.Len() != 3 {
		t.Fatalf("Len = %d, want 3", tbl.Len())
	}
}
