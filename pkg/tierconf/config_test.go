package tierconf

import "testing"

func TestLoadFallsBackToDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/tierfs.yaml", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CPUs != 4 || cfg.ThresholdPercent != 75 {
		t.Fatalf("expected built-in defaults, got %+v", cfg)
	}
}

func TestSpaceBuildsFromConfig(t *testing.T) {
	cfg := defaults()
	cfg.PmemBlocks = 100
	cfg.Bdevs = []BdevConfig{{Path: "/dev/test", CapacityPage: 200, OptSizeBit: 4}}

	space := cfg.Space()
	if space.PmemBlocks != 100 {
		t.Fatalf("PmemBlocks = %d, want 100", space.PmemBlocks)
	}
	if len(space.Bdevs) != 1 || space.Bdevs[0].CapacityPage != 200 {
		t.Fatalf("bdevs not carried through: %+v", space.Bdevs)
	}
}
