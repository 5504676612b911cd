package state

import (
	"sync"
	"testing"

	"github.com/m3rciful/savebot/download"
)

func TestMemoryManagerLifecycle(t *testing.T) {
	m := NewMemoryManager()

	if _, ok := m.Get(1); ok {
		t.Fatal("expected no entry for fresh user")
	}
	if m.InProgress(1) {
		t.Fatal("fresh user must not be in progress")
	}

	m.Set(1, AwaitingPhone{})
	if !m.InProgress(1) {
		t.Fatal("user with entry must be in progress")
	}
	st, ok := m.Get(1)
	if !ok || st.Kind() != KindAwaitingPhone {
		t.Fatalf("Get = %v, %v; want AwaitingPhone", st, ok)
	}

	m.Set(1, AwaitingCode{Phone: "+15551234567"})
	st, _ = m.Get(1)
	code, ok := st.(AwaitingCode)
	if !ok {
		t.Fatalf("stage type = %T, want AwaitingCode", st)
	}
	if code.Phone != "+15551234567" {
		t.Fatalf("phone = %q", code.Phone)
	}

	removed, ok := m.Clear(1)
	if !ok || removed.Kind() != KindAwaitingCode {
		t.Fatalf("Clear = %v, %v; want removed AwaitingCode", removed, ok)
	}
	if m.InProgress(1) {
		t.Fatal("cleared user must not be in progress")
	}
	if _, ok := m.Clear(1); ok {
		t.Fatal("second Clear must report missing entry")
	}
}

func TestMemoryManagerIsolatesUsers(t *testing.T) {
	m := NewMemoryManager()
	m.Set(1, AwaitingPhone{})
	m.Set(2, AwaitingCount{Link: download.Link{Channel: "examplechan", MessageID: 1000}})

	st, _ := m.Get(2)
	cnt, ok := st.(AwaitingCount)
	if !ok || cnt.Link.MessageID != 1000 {
		t.Fatalf("user 2 entry = %v", st)
	}

	m.Clear(1)
	if !m.InProgress(2) {
		t.Fatal("clearing user 1 must not touch user 2")
	}
}

func TestWithLockSerializesSameUser(t *testing.T) {
	m := NewMemoryManager()

	const turns = 100
	counter := 0
	var wg sync.WaitGroup
	wg.Add(turns)
	for i := 0; i < turns; i++ {
		go func() {
			defer wg.Done()
			_ = m.WithLock(7, func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != turns {
		t.Fatalf("counter = %d, want %d", counter, turns)
	}
}

func TestStageVariantsCarryOnlyValidFields(t *testing.T) {
	stages := []Stage{
		AwaitingPhone{},
		AwaitingCode{Phone: "+1"},
		AwaitingPassword{Phone: "+1"},
		AwaitingLink{},
		AwaitingCount{Link: download.Link{Channel: "c", MessageID: 1}},
	}
	kinds := []Kind{
		KindAwaitingPhone,
		KindAwaitingCode,
		KindAwaitingPassword,
		KindAwaitingLink,
		KindAwaitingCount,
	}
	for i, st := range stages {
		if st.Kind() != kinds[i] {
			t.Fatalf("stage %d kind = %s, want %s", i, st.Kind(), kinds[i])
		}
	}
	if (AwaitingPhone{}).ClientHandle() != nil {
		t.Fatal("AwaitingPhone must own no client handle")
	}
}
