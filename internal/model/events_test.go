package model

import "testing"

func TestSetLayer_NotifiesAfterAssignment(t *testing.T) {
	m := New(Config{})

	var seen []string
	calls := 0
	m.Events().Layer.Connect(func(ev Event) {
		calls++
		if ev.Type != EventLayer || ev.Source != m {
			t.Errorf("unexpected event: %+v", ev)
		}
		// The field is already updated when listeners run.
		seen = append(seen, ev.Source.Layer().String())
	})

	m.SetLayer(testLayer("Visium"))
	if calls != 1 {
		t.Fatalf("expected exactly one notification, got %d", calls)
	}
	if len(seen) != 1 || seen[0] != "Visium" {
		t.Fatalf("listener observed %v", seen)
	}
}

func TestSetTable_NotifiesTableChannelOnly(t *testing.T) {
	m := New(Config{})

	layerCalls, tableCalls := 0, 0
	m.Events().Layer.Connect(func(Event) { layerCalls++ })
	m.Events().Table.Connect(func(ev Event) {
		tableCalls++
		if ev.Source.Table() == nil {
			t.Errorf("table listener ran before assignment")
		}
	})

	m.SetTable(newTestTable(t))
	if tableCalls != 1 || layerCalls != 0 {
		t.Fatalf("table=%d layer=%d", tableCalls, layerCalls)
	}

	// Plain setters never notify.
	m.SetTableLayer("counts")
	m.SetColormap("magma")
	m.SetSpotDiameter(2)
	if tableCalls != 1 || layerCalls != 0 {
		t.Fatalf("plain setters fired notifications: table=%d layer=%d", tableCalls, layerCalls)
	}
}

func TestEmitter_OrderAndDisconnect(t *testing.T) {
	m := New(Config{})

	var order []int
	m.Events().Layer.Connect(func(Event) { order = append(order, 1) })
	stop := m.Events().Layer.Connect(func(Event) { order = append(order, 2) })
	m.Events().Layer.Connect(func(Event) { order = append(order, 3) })
	m.Events().Layer.Connect(nil)

	if n := m.Events().Layer.Len(); n != 3 {
		t.Fatalf("expected 3 listeners, got %d", n)
	}

	m.SetLayer(testLayer("a"))
	stop()
	stop()
	m.SetLayer(nil)

	want := []int{1, 2, 3, 1, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEmitter_ListenerPanicPropagates(t *testing.T) {
	m := New(Config{})
	m.Events().Layer.Connect(func(Event) { panic("boom") })

	defer func() {
		if r := recover(); r != "boom" {
			t.Fatalf("expected panic to reach the caller, got %v", r)
		}
		if m.Layer() == nil {
			t.Fatalf("layer should be stored before listeners run")
		}
	}()
	m.SetLayer(testLayer("x"))
}

func TestEmitter_ConnectDuringEmit(t *testing.T) {
	m := New(Config{})

	late := 0
	m.Events().Table.Connect(func(Event) {
		m.Events().Table.Connect(func(Event) { late++ })
	})

	m.SetTable(nil)
	if late != 0 {
		t.Fatalf("listener added during emit ran in the same emission")
	}
	m.SetTable(nil)
	if late != 1 {
		t.Fatalf("expected late listener to run once, got %d", late)
	}
}
