package graph

import (
	"fmt"
	"testing"
)

// fixedExtractor returns canned entities per document content marker.
type fixedExtractor struct {
	entities map[string]map[string]float64
}

func (f *fixedExtractor) Extract(content string, _ []string) map[string]float64 {
	out := make(map[string]float64, len(f.entities[content]))
	for k, v := range f.entities[content] {
		out[k] = v
	}
	return out
}

func TestTermExtractor(t *testing.T) {
	e := &TermExtractor{}
	got := e.Extract("Kubernetes cluster scaling. The cluster runs pods.", []string{"cluster pods"})

	if _, ok := got["the"]; ok {
		t.Error("short term extracted")
	}
	if _, ok := got["kubernetes"]; !ok {
		t.Error("term missing; extraction should lowercase")
	}

	// "cluster" appears most; it should carry the maximum weight 1.
	if got["cluster"] != 1 {
		t.Errorf("weight[cluster] = %v, want 1 (max-normalized)", got["cluster"])
	}
	for term, w := range got {
		if w < weightFloor || w > 1 {
			t.Errorf("weight[%s] = %v outside [%v, 1]", term, w, weightFloor)
		}
	}
}

func TestTermExtractorSumsChunkContributions(t *testing.T) {
	e := &TermExtractor{}
	// "alpha" sits in both chunks; its chunk contribution is the sum of
	// the two frequencies, so the other body term normalizes below it.
	got := e.Extract("alpha beta", []string{"alpha gamma", "alpha delta"})

	// alpha: 0.6*1 + 0.4*2 = 1.4 (max); beta: 0.6/1.4.
	want := 0.6 / 1.4
	if diff := got["beta"] - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("weight[beta] = %v, want %v", got["beta"], want)
	}
	if got["alpha"] != 1 {
		t.Errorf("weight[alpha] = %v, want 1", got["alpha"])
	}
	if got["gamma"] >= got["beta"] {
		t.Errorf("single-chunk term outweighs body term: gamma=%v beta=%v", got["gamma"], got["beta"])
	}
}

func TestTermExtractorEmpty(t *testing.T) {
	e := &TermExtractor{}
	if got := e.Extract("a an of", nil); got != nil {
		t.Errorf("Extract(short terms only) = %v, want nil", got)
	}
}

func TestInsertRemoveOrphanPruning(t *testing.T) {
	ext := &fixedExtractor{entities: map[string]map[string]float64{
		"a": {"shared": 0.9, "only-a": 0.5},
		"b": {"shared": 0.8},
	}}
	g := New(ext, nil)

	g.Insert("doc-a", "a", nil)
	g.Insert("doc-b", "b", nil)

	docs, entities := g.Stats()
	if docs != 2 || entities != 2 {
		t.Errorf("Stats() = (%d, %d), want (2, 2)", docs, entities)
	}

	g.Remove("doc-a")
	docs, entities = g.Stats()
	if docs != 1 || entities != 1 {
		t.Errorf("Stats() after remove = (%d, %d), want (1, 1); orphan entity not pruned", docs, entities)
	}

	g.Remove("doc-a") // idempotent
	if g.Contains("doc-a") {
		t.Error("removed document still present")
	}
}

func TestUpdateRespectsForce(t *testing.T) {
	ext := &fixedExtractor{entities: map[string]map[string]float64{
		"v1": {"alpha": 1},
		"v2": {"beta": 1},
	}}
	g := New(ext, nil)

	// Not in graph, no force: stays out.
	g.Update("doc-1", "v1", nil, false)
	if g.Contains("doc-1") {
		t.Error("Update without force inserted a new document")
	}

	// Force inserts.
	g.Update("doc-1", "v1", nil, true)
	if !g.Contains("doc-1") {
		t.Error("Update with force did not insert")
	}

	// Existing document re-extracts without force.
	g.Update("doc-1", "v2", nil, false)
	g.mu.RLock()
	_, hasBeta := g.docEntities["doc-1"]["beta"]
	_, hasAlpha := g.docEntities["doc-1"]["alpha"]
	g.mu.RUnlock()
	if !hasBeta || hasAlpha {
		t.Error("Update did not replace entities")
	}
}

func TestNeighborsDirectAndTransitive(t *testing.T) {
	ext := &fixedExtractor{entities: map[string]map[string]float64{
		"a": {"x": 1.0},
		"b": {"x": 0.9, "y": 1.0},
		"c": {"y": 0.8},
	}}
	g := New(ext, nil)
	g.Insert("doc-a", "a", nil)
	g.Insert("doc-b", "b", nil)
	g.Insert("doc-c", "c", nil)

	neighbors := g.Neighbors("doc-a", 3, 0.1)
	if len(neighbors) != 2 {
		t.Fatalf("neighbors = %+v, want doc-b and doc-c", neighbors)
	}

	// doc-b direct: 1.0*0.9 = 0.9 at depth 1, sharing entity x.
	if neighbors[0].DocumentID != "doc-b" || neighbors[0].Depth != 1 {
		t.Errorf("neighbors[0] = %+v", neighbors[0])
	}
	if diff := neighbors[0].Strength - 0.9; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("strength = %v, want 0.9", neighbors[0].Strength)
	}
	if len(neighbors[0].CommonEntities) != 1 || neighbors[0].CommonEntities[0] != "x" {
		t.Errorf("CommonEntities = %v, want [x]", neighbors[0].CommonEntities)
	}

	// doc-c through doc-b: 0.9*1.0*0.8 = 0.72 at depth 2, no shared
	// entity with the source.
	if neighbors[1].DocumentID != "doc-c" || neighbors[1].Depth != 2 {
		t.Errorf("neighbors[1] = %+v", neighbors[1])
	}
	if diff := neighbors[1].Strength - 0.72; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("strength = %v, want 0.72", neighbors[1].Strength)
	}
	if len(neighbors[1].CommonEntities) != 0 {
		t.Errorf("transitive CommonEntities = %v, want none", neighbors[1].CommonEntities)
	}
}

func TestNeighborsCommonEntitiesOrdering(t *testing.T) {
	ext := &fixedExtractor{entities: map[string]map[string]float64{
		"a": {"strong": 0.9, "weak": 0.2, "lone": 0.5},
		"b": {"strong": 0.9, "weak": 0.4},
	}}
	g := New(ext, nil)
	g.Insert("doc-a", "a", nil)
	g.Insert("doc-b", "b", nil)

	neighbors := g.Neighbors("doc-a", 1, 0)
	if len(neighbors) != 1 {
		t.Fatalf("neighbors = %+v, want doc-b", neighbors)
	}
	// Averaged weights: strong 0.9, weak 0.3; "lone" is not shared.
	want := []string{"strong", "weak"}
	got := neighbors[0].CommonEntities
	if len(got) != len(want) {
		t.Fatalf("CommonEntities = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CommonEntities[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNeighborsDepthLimit(t *testing.T) {
	// Chain a-b-c-d-e through distinct entities.
	ext := &fixedExtractor{entities: map[string]map[string]float64{
		"a": {"e1": 1},
		"b": {"e1": 1, "e2": 1},
		"c": {"e2": 1, "e3": 1},
		"d": {"e3": 1, "e4": 1},
		"e": {"e4": 1},
	}}
	g := New(ext, nil)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		g.Insert("doc-"+id, id, nil)
	}

	depth2 := g.Neighbors("doc-a", 2, 0)
	if len(depth2) != 2 {
		t.Errorf("depth-2 neighbors = %+v, want doc-b and doc-c", depth2)
	}

	depth3 := g.Neighbors("doc-a", 3, 0)
	if len(depth3) != 3 {
		t.Errorf("depth-3 neighbors = %+v, want b, c, d", depth3)
	}
}

func TestNeighborsMinStrengthCut(t *testing.T) {
	ext := &fixedExtractor{entities: map[string]map[string]float64{
		"a": {"x": 1.0},
		"b": {"x": 0.5},
		"c": {"x": 0.95},
	}}
	g := New(ext, nil)
	g.Insert("doc-a", "a", nil)
	g.Insert("doc-b", "b", nil)
	g.Insert("doc-c", "c", nil)

	strong := g.Neighbors("doc-a", 3, 0.7)
	if len(strong) != 1 || strong[0].DocumentID != "doc-c" {
		t.Errorf("neighbors above 0.7 = %+v, want doc-c only", strong)
	}
}

func TestNeighborsUnknownSource(t *testing.T) {
	g := New(nil, nil)
	if got := g.Neighbors("ghost", 3, 0); got != nil {
		t.Errorf("Neighbors(unknown) = %v, want nil", got)
	}
}

func TestNeighborsDeterministicOrderAndCap(t *testing.T) {
	ext := &fixedExtractor{entities: map[string]map[string]float64{"seed": {"hub": 1}}}
	for i := 0; i < MaxNeighbors+20; i++ {
		ext.entities[fmt.Sprintf("n%03d", i)] = map[string]float64{"hub": 0.5}
	}
	g := New(ext, nil)
	g.Insert("doc-seed", "seed", nil)
	for i := 0; i < MaxNeighbors+20; i++ {
		key := fmt.Sprintf("n%03d", i)
		g.Insert("doc-"+key, key, nil)
	}

	first := g.Neighbors("doc-seed", 1, 0)
	if len(first) != MaxNeighbors {
		t.Fatalf("len = %d, want cap %d", len(first), MaxNeighbors)
	}
	second := g.Neighbors("doc-seed", 1, 0)
	for i := range first {
		if first[i].DocumentID != second[i].DocumentID ||
			first[i].Strength != second[i].Strength ||
			first[i].Depth != second[i].Depth {
			t.Fatal("traversal order is not deterministic")
		}
	}
	// Equal strengths tie-break by document id.
	if first[0].DocumentID >= first[1].DocumentID {
		t.Errorf("tie-break ordering broken: %s before %s", first[0].DocumentID, first[1].DocumentID)
	}
}
