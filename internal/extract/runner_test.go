package extract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/loregraph/loregraph/internal/graph"
	"github.com/loregraph/loregraph/internal/store"
)

type fakeGraph struct {
	nodes    []string
	edges    []string
	failOn   string
	failures int
}

func (g *fakeGraph) op(name string) error {
	if g.failOn == name {
		g.failures++
		return errors.New(name + " write refused")
	}
	return nil
}

func (g *fakeGraph) UpsertNovel(_ context.Context, novelID int64, title, author string) error {
	g.nodes = append(g.nodes, fmt.Sprintf("Novel:%d", novelID))
	return g.op("novel")
}

func (g *fakeGraph) UpsertChapter(_ context.Context, chapterID int64, _ string, _ int, _, _ int64) error {
	g.nodes = append(g.nodes, fmt.Sprintf("Chapter:%d", chapterID))
	return g.op("chapter")
}

func (g *fakeGraph) UpsertCharacter(_ context.Context, name string, _, _ int64, _ map[string]any) error {
	g.nodes = append(g.nodes, "Character:"+name)
	return g.op("character")
}

func (g *fakeGraph) UpsertLocation(_ context.Context, name string, _, _ int64, _ map[string]any) error {
	g.nodes = append(g.nodes, "Location:"+name)
	return g.op("location")
}

func (g *fakeGraph) UpsertOrganization(_ context.Context, name string, _, _ int64, _ map[string]any) error {
	g.nodes = append(g.nodes, "Organization:"+name)
	return g.op("organization")
}

func (g *fakeGraph) UpsertEvent(_ context.Context, id, _ string, _, _, _ int64, _ map[string]any) error {
	g.nodes = append(g.nodes, "Event:"+id)
	return g.op("event")
}

func (g *fakeGraph) Relate(_ context.Context, from, to graph.NodeRef, relType string, _ map[string]any) error {
	g.edges = append(g.edges, fmt.Sprintf("%s-[%s]->%s", from.Value, relType, to.Value))
	return g.op("relate")
}

func sampleResult() *Result {
	return &Result{
		Entities: []Entity{
			{Type: TypeCharacter, Name: "Elena Voss"},
			{Type: TypeLocation, Name: "Harrow Castle"},
			{Type: TypeEvent, Name: "The siege begins"},
		},
		Relations: []Relation{
			{From: "Elena Voss", To: "The siege begins", Type: "PARTICIPATES_IN"},
			{From: "The siege begins", To: "Harrow Castle", Type: "OCCURS_IN"},
			{From: "Elena Voss", To: "Nobody Known", Type: "KNOWS"},
		},
	}
}

func testTaskAndChapter() (*store.Task, *store.Novel, *store.Chapter) {
	t := &store.Task{ID: 11, NovelID: 3}
	n := &store.Novel{ID: 3, Title: "The Long March", Author: sql.NullString{String: "A. Author", Valid: true}}
	ch := &store.Chapter{ID: 7, NovelID: 3, Title: "Chapter One", ChapterNumber: 1}
	return t, n, ch
}

func TestWriteGraph(t *testing.T) {
	gw := &fakeGraph{}
	r := &Runner{graph: gw}
	task, novel, chapter := testTaskAndChapter()

	ok, errMsg := r.writeGraph(context.Background(), task, novel, chapter, sampleResult())
	if !ok {
		t.Fatalf("writeGraph failed: %s", errMsg)
	}

	wantNodes := []string{"Chapter:7", "Character:Elena Voss", "Location:Harrow Castle",
		"Event:" + EventID(3, 7, "The siege begins")}
	for _, n := range wantNodes {
		found := false
		for _, got := range gw.nodes {
			if got == n {
				found = true
			}
		}
		if !found {
			t.Errorf("node %s not written; got %v", n, gw.nodes)
		}
	}

	// APPEARS_IN for the character plus the two resolvable relations;
	// the relation to an unextracted name is dropped.
	if len(gw.edges) != 3 {
		t.Errorf("edges = %v, want 3", gw.edges)
	}
}

func TestWriteGraphFailureMarksChapterFailed(t *testing.T) {
	gw := &fakeGraph{failOn: "character"}
	r := &Runner{graph: gw}
	task, novel, chapter := testTaskAndChapter()

	ok, errMsg := r.writeGraph(context.Background(), task, novel, chapter, sampleResult())
	if ok {
		t.Fatal("writeGraph should report failure")
	}
	if errMsg == "" {
		t.Error("failure should carry the graph error")
	}
}

func TestResolveEndpoints(t *testing.T) {
	r := &Runner{}
	byName := map[string]string{
		"Elena":  TypeCharacter,
		"Marcus": TypeCharacter,
		"Castle": TypeLocation,
		"Siege":  TypeEvent,
		"Guild":  TypeOrganization,
	}

	tests := []struct {
		name string
		rel  Relation
		ok   bool
	}{
		{"character friendship", Relation{From: "Elena", To: "Marcus", Type: "FRIEND"}, true},
		{"participates in event", Relation{From: "Elena", To: "Siege", Type: "PARTICIPATES_IN"}, true},
		{"event in location", Relation{From: "Siege", To: "Castle", Type: "OCCURS_IN"}, true},
		{"belongs to org", Relation{From: "Marcus", To: "Guild", Type: "BELONGS_TO"}, true},
		{"wrong endpoint kinds", Relation{From: "Castle", To: "Elena", Type: "FRIEND"}, false},
		{"unknown relation type", Relation{From: "Elena", To: "Marcus", Type: "SIBLING_OF"}, false},
		{"unextracted endpoint", Relation{From: "Elena", To: "Ghost", Type: "KNOWS"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, ok := r.resolveEndpoints(tt.rel, byName, 3, 7)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (from.Label == "" || to.Label == "") {
				t.Errorf("resolved refs incomplete: %+v -> %+v", from, to)
			}
		})
	}
}
