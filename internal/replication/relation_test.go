package replication

import (
	"testing"

	"github.com/jackc/pglogrepl"
)

func TestDecodeTupleSkipsUnchangedToastColumns(t *testing.T) {
	rel := &pglogrepl.RelationMessage{
		RelationID: 1,
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id"},
			{Name: "blob"},
			{Name: "name"},
		},
	}
	tuple := &pglogrepl.TupleData{
		Columns: []*pglogrepl.TupleDataColumn{
			{DataType: 't', Data: []byte("1")},
			{DataType: 'u'},
			{DataType: 'n'},
		},
	}

	out := decodeTuple(rel, tuple)
	if out["id"] != "1" {
		t.Fatalf("expected id=1, got %v", out["id"])
	}
	if _, ok := out["blob"]; ok {
		t.Fatalf("expected unchanged toast column omitted, got %v", out["blob"])
	}
	if v, ok := out["name"]; !ok || v != nil {
		t.Fatalf("expected name=nil present, got %v ok=%v", v, ok)
	}
}

func TestDecodeTupleNilTuple(t *testing.T) {
	rel := &pglogrepl.RelationMessage{RelationID: 1}
	if out := decodeTuple(rel, nil); out != nil {
		t.Fatalf("expected nil map for nil tuple, got %v", out)
	}
}

func TestRelationSetStoreAndGet(t *testing.T) {
	set := newRelationSet()
	rel := &pglogrepl.RelationMessage{RelationID: 42, RelationName: "resources"}
	set.store(rel)

	got, ok := set.get(42)
	if !ok {
		t.Fatal("expected relation to be found")
	}
	if got.RelationName != "resources" {
		t.Fatalf("unexpected relation name: %s", got.RelationName)
	}

	if _, ok := set.get(99); ok {
		t.Fatal("expected missing relation id to be absent")
	}
}
