package rooms

import "testing"

func TestLoad_RoomsYAML(t *testing.T) {
	cfg, err := Load("../../configs/rooms.yaml")
	if err != nil {
		t.Fatalf("load rooms.yaml: %v", err)
	}
	if cfg.DefaultRoom != DefaultRoom {
		t.Fatalf("default room=%q", cfg.DefaultRoom)
	}
	spec, ok := cfg.Lookup(DefaultRoom)
	if !ok {
		t.Fatalf("default room not listed")
	}
	if spec.UpdatesPerSec <= 0 || spec.UpdateBurst <= 0 || spec.SnapshotEvery <= 0 || spec.QueueSize <= 0 {
		t.Fatalf("limits not filled: %+v", spec)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := cfg.Lookup("anything-goes"); !ok {
		t.Fatalf("defaults should allow unlisted rooms")
	}
}

func TestConfig_LookupRejectsUnlistedWhenClosed(t *testing.T) {
	cfg := Config{DefaultRoom: "a", Rooms: []RoomSpec{{ID: "a", UpdatesPerSec: 5}}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cfg.Normalize()
	s, ok := cfg.Lookup("a")
	if !ok || s.UpdatesPerSec != 5 || s.UpdateBurst != Defaults().Defaults.UpdateBurst {
		t.Fatalf("spec=%+v ok=%v", s, ok)
	}
	if _, ok := cfg.Lookup("b"); ok {
		t.Fatalf("unlisted room accepted")
	}
	if _, ok := cfg.Lookup("bad name"); ok {
		t.Fatalf("malformed room accepted")
	}
}

func TestConfig_ValidateRejectsDuplicates(t *testing.T) {
	cfg := Config{DefaultRoom: "a", Rooms: []RoomSpec{{ID: "a"}, {ID: "a"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate room error")
	}
	cfg = Config{DefaultRoom: "missing", Rooms: []RoomSpec{{ID: "a"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown default_room error")
	}
}

func TestConfig_ListedOnlyConfiguredRooms(t *testing.T) {
	cfg := Defaults()
	if !cfg.Listed(DefaultRoom) {
		t.Fatalf("default room not listed")
	}
	if _, ok := cfg.Lookup("scratch"); !ok {
		t.Fatalf("unlisted room should resolve when allowed")
	}
	if cfg.Listed("scratch") {
		t.Fatalf("unlisted room reported as listed")
	}
}
