package mesh

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
)

func TestParseCloudJSONValidation(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr bool
	}{
		{"unorganized without size", `{"points":[{"x":1,"y":2,"z":3}]}`, false},
		{"size mismatch", `{"width":3,"height":1,"points":[{"x":1,"y":2,"z":3}]}`, true},
		{"index out of range", `{"points":[{"x":1,"y":2,"z":3}],"indices":[1]}`, true},
		{"negative index", `{"points":[{"x":1,"y":2,"z":3}],"indices":[-1]}`, true},
		{"empty cloud", `{"points":[]}`, false},
		{"not JSON", `points`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCloudJSON([]byte(tt.json))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCloudJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCloudDocumentConversions(t *testing.T) {
	doc, err := ParseCloudJSON([]byte(sampleCloudJSON))
	if err != nil {
		t.Fatalf("ParseCloudJSON() error = %v", err)
	}

	xyz := doc.XYZ()
	if xyz.Len() != 4 || !xyz.IsOrganized() {
		t.Errorf("XYZ() len=%d organized=%v, want 4 organized", xyz.Len(), xyz.IsOrganized())
	}

	withNormals, err := doc.XYZNormal()
	if err != nil {
		t.Fatalf("XYZNormal() error = %v", err)
	}
	if n := withNormals.Points[1].Normal(); !vectorsEqual(n, r3.Vector{Z: 1}, epsilon) {
		t.Errorf("normal not normalized: %v", n)
	}

	colored := doc.XYZRGB()
	if colored.Points[2].R != 255 || colored.Points[0].R != 0 {
		t.Errorf("XYZRGB() colors = %+v", colored.Points)
	}

	doc.Points[3].Normal = nil
	if doc.HasNormals() {
		t.Error("HasNormals() = true with a missing normal")
	}
	if _, err := doc.XYZNormal(); !errors.Is(err, ErrMissingNormals) {
		t.Errorf("XYZNormal() error = %v, want ErrMissingNormals", err)
	}
}

func TestCloudDocumentRoundTripKeepsAttributes(t *testing.T) {
	c := NewCloud([]XYZNormal{{X: 1, Y: 2, Z: 3, NZ: 1}})
	doc := NewCloudDocument(c, "map")
	if doc.Points[0].Normal == nil || doc.Points[0].RGB != nil {
		t.Fatalf("NewCloudDocument() point = %+v", doc.Points[0])
	}

	path := filepath.Join(t.TempDir(), "out.json")
	if err := WriteCloudFile(path, doc); err != nil {
		t.Fatalf("WriteCloudFile() error = %v", err)
	}
	back, err := ParseCloudFile(path)
	if err != nil {
		t.Fatalf("ParseCloudFile() error = %v", err)
	}
	if back.Frame != "map" || back.Points[0].X != 1 || !back.HasNormals() {
		t.Errorf("round trip = %+v", back)
	}

	rgb := NewCloudDocument(NewCloud([]XYZRGB{{R: 9}}), "")
	if rgb.Points[0].RGB == nil || rgb.Points[0].RGB[0] != 9 {
		t.Errorf("color dropped: %+v", rgb.Points[0])
	}
}

func TestSummarize(t *testing.T) {
	doc, err := ParseCloudJSON([]byte(sampleCloudJSON))
	if err != nil {
		t.Fatal(err)
	}
	s := Summarize(doc)
	if s.Points != 4 || s.Selected != 3 || !s.HasNormals || !s.HasColor {
		t.Errorf("Summarize() = %+v", s)
	}
	if s.Max != (r3.Vector{X: 1, Y: 1}) || s.Min != (r3.Vector{}) {
		t.Errorf("bounds = %v..%v", s.Min, s.Max)
	}
	if !vectorsEqual(s.Centroid, r3.Vector{X: 0.5, Y: 0.5}, epsilon) {
		t.Errorf("centroid = %v", s.Centroid)
	}
}
