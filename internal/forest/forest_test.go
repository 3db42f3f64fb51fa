package forest

import (
	"encoding/json"
	"math"
	"testing"
)

func trainingCluster() []Vector {
	vs := make([]Vector, 0, 40)
	for i := 0; i < 10; i++ {
		base := 100 + float64(i)*20
		vs = append(vs,
			Vector{base, base * 0.08},
			Vector{base + 5, base * 0.10},
			Vector{base + 10, base * 0.09},
			Vector{base + 15, base * 0.07},
		)
	}
	return vs
}

func TestFitEmpty(t *testing.T) {
	if _, err := Fit(nil, DefaultOptions(42)); err == nil {
		t.Fatal("expected error for empty training set")
	}
}

func TestScoreRange(t *testing.T) {
	f, err := Fit(trainingCluster(), DefaultOptions(42))
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	probes := []Vector{{100, 8}, {300, 30}, {100000, 50000}, {0, 0}}
	for _, v := range probes {
		s := f.Score(v)
		if s < 0 || s > 1 {
			t.Errorf("score %f out of [0,1] for %v", s, v)
		}
	}
}

func TestOutlierScoresHigher(t *testing.T) {
	f, err := Fit(trainingCluster(), DefaultOptions(42))
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	inlier := f.Score(Vector{150, 12})
	outlier := f.Score(Vector{100000, 9000})
	if outlier <= inlier {
		t.Errorf("outlier score %f not above inlier score %f", outlier, inlier)
	}
	if !f.Anomalous(Vector{100000, 9000}) {
		t.Error("extreme outlier not flagged anomalous")
	}
}

func TestSmallCorpusOutlier(t *testing.T) {
	vs := []Vector{{100, 8}, {200, 16}, {150, 12}, {300, 24}}
	f, err := Fit(vs, DefaultOptions(42))
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if !f.Anomalous(Vector{100000, 8000}) {
		t.Error("expected extreme amount to be anomalous against small corpus")
	}
}

func TestDeterminism(t *testing.T) {
	vs := trainingCluster()
	a, err := Fit(vs, DefaultOptions(7))
	if err != nil {
		t.Fatalf("fit a: %v", err)
	}
	b, err := Fit(vs, DefaultOptions(7))
	if err != nil {
		t.Fatalf("fit b: %v", err)
	}

	if a.Threshold() != b.Threshold() {
		t.Errorf("thresholds differ: %f vs %f", a.Threshold(), b.Threshold())
	}
	for _, v := range []Vector{{120, 10}, {400, 32}, {50000, 4000}} {
		if sa, sb := a.Score(v), b.Score(v); sa != sb {
			t.Errorf("scores differ for %v: %f vs %f", v, sa, sb)
		}
	}
}

func TestDepthLimit(t *testing.T) {
	f, err := Fit(trainingCluster(), DefaultOptions(42))
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	maxDepth := int(math.Ceil(math.Log2(float64(f.SampleSize()))))
	for _, tree := range f.trees {
		depth := treeDepth(&tree, 0)
		if depth > maxDepth {
			t.Errorf("tree depth %d exceeds limit %d", depth, maxDepth)
		}
	}
}

func treeDepth(t *Tree, idx int) int {
	n := t.Nodes[idx]
	if n.Left < 0 {
		return 0
	}
	l := treeDepth(t, n.Left)
	r := treeDepth(t, n.Right)
	if l > r {
		return l + 1
	}
	return r + 1
}

func TestAvgPathLength(t *testing.T) {
	if got := avgPathLength(1); got != 0 {
		t.Errorf("c(1) = %f, want 0", got)
	}
	if got := avgPathLength(0); got != 0 {
		t.Errorf("c(0) = %f, want 0", got)
	}

	// c(n) = 2(ln(n-1)+gamma) - 2(n-1)/n
	want := 2*(math.Log(255)+eulerMascheroni) - 2*255.0/256.0
	if got := avgPathLength(256); math.Abs(got-want) > 1e-9 {
		t.Errorf("c(256) = %f, want %f", got, want)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	f, err := Fit(trainingCluster(), DefaultOptions(42))
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	raw, err := json.Marshal(f.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	restored, err := FromSnapshot(&snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Threshold() != f.Threshold() {
		t.Errorf("threshold changed across round trip: %f vs %f", restored.Threshold(), f.Threshold())
	}
	for _, v := range []Vector{{150, 12}, {100000, 9000}} {
		if a, b := f.Score(v), restored.Score(v); a != b {
			t.Errorf("score changed across round trip for %v: %f vs %f", v, a, b)
		}
	}
}

func TestFromSnapshotRejectsBadVersion(t *testing.T) {
	f, _ := Fit(trainingCluster(), DefaultOptions(42))
	snap := f.Snapshot()
	snap.Version = 99
	if _, err := FromSnapshot(snap); err == nil {
		t.Fatal("expected error for unknown snapshot version")
	}
}
