package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/torosent/metricbus/internal/metric"
)

func TestRecentEventsKeepsNewest(t *testing.T) {
	r := New(3)
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < 5; i++ {
		r.Record(metric.NewAt(base.Add(time.Duration(i)*time.Second), "tick", metric.F("i", metric.Int(int64(i)))))
	}
	got := r.RecentEvents()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for idx, want := range []string{"2", "3", "4"} {
		if v := got[idx].StringField("i"); v != want {
			t.Errorf("event %d i = %s, want %s", idx, v, want)
		}
	}
}

func TestRecentEventsPartial(t *testing.T) {
	r := New(10)
	if got := r.RecentEvents(); len(got) != 0 {
		t.Fatalf("empty recorder returned %d events", len(got))
	}
	r.Record(metric.New("a"))
	r.Record(metric.New("b"))
	got := r.RecentEvents()
	if len(got) != 2 || got[0].EventType != "a" || got[1].EventType != "b" {
		t.Errorf("RecentEvents() = %v", got)
	}
}

func TestCurrentStateMerges(t *testing.T) {
	r := New(0)
	ctx := context.Background()
	_ = r.Deliver(ctx, metric.New(metric.EventPlayerUpdate,
		metric.F("health", metric.Int(100)),
		metric.F("x", metric.Number(1.5))))
	_ = r.Deliver(ctx, metric.New(metric.EventSceneTransition,
		metric.F("scene_name", metric.String("Forest"))))
	_ = r.Deliver(ctx, metric.New(metric.EventPlayerUpdate,
		metric.F("health", metric.Int(80))))

	st := r.CurrentState()
	if st.Scene != "Forest" {
		t.Errorf("Scene = %q, want Forest", st.Scene)
	}
	if st.LastEvent != metric.EventPlayerUpdate {
		t.Errorf("LastEvent = %q", st.LastEvent)
	}
	if st.EventCounts[metric.EventPlayerUpdate] != 2 {
		t.Errorf("EventCounts = %v", st.EventCounts)
	}
	if v, _ := st.Values.Get("health"); v.Text() != "80" {
		t.Errorf("health = %s, want 80", v.Text())
	}
	if keys := st.Values.Keys(); len(keys) != 3 || keys[0] != "health" {
		t.Errorf("keys = %v, want insertion order health,x,scene_name", keys)
	}

	st.EventCounts["mutated"] = 1
	if _, ok := r.CurrentState().EventCounts["mutated"]; ok {
		t.Error("CurrentState returned shared map")
	}
}

func TestStateUpdatesInPlaceAndCapsKeys(t *testing.T) {
	r := New(1)
	for i := 0; i < MaxKeys+10; i++ {
		r.Record(metric.New("tick", metric.F(fmt.Sprintf("k%d", i), metric.Int(int64(i)))))
	}
	r.Record(metric.New("tick", metric.F("k0", metric.Int(-1))))

	st := r.CurrentState()
	if len(st.Values) != MaxKeys {
		t.Fatalf("len(Values) = %d, want %d", len(st.Values), MaxKeys)
	}
	if st.DroppedKeys != 10 {
		t.Errorf("DroppedKeys = %d, want 10", st.DroppedKeys)
	}
	if v, _ := st.Values.Get("k0"); v.Text() != "-1" {
		t.Errorf("k0 = %s, want -1", v.Text())
	}
	if st.Values[0].Key != "k0" {
		t.Errorf("first key = %s, update moved it", st.Values[0].Key)
	}
	if _, ok := st.Values.Get(fmt.Sprintf("k%d", MaxKeys)); ok {
		t.Error("key past the cap was stored")
	}

	st.Values[0].Value = metric.Int(99)
	if v, _ := r.CurrentState().Values.Get("k0"); v.Text() != "-1" {
		t.Error("CurrentState returned shared values")
	}
}

func TestEventCountsCapped(t *testing.T) {
	r := New(1)
	for i := 0; i < MaxEventTypes+5; i++ {
		r.Record(metric.New(fmt.Sprintf("type%d", i)))
	}
	r.Record(metric.New("type0"))

	st := r.CurrentState()
	if len(st.EventCounts) != MaxEventTypes+1 {
		t.Errorf("len(EventCounts) = %d, want %d", len(st.EventCounts), MaxEventTypes+1)
	}
	if st.EventCounts[OtherEvents] != 5 {
		t.Errorf("other = %d, want 5", st.EventCounts[OtherEvents])
	}
	if st.EventCounts["type0"] != 2 {
		t.Errorf("type0 = %d, want 2", st.EventCounts["type0"])
	}
}
