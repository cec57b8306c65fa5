package payload

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTrip(t *testing.T) {
	d := t.TempDir()
	in := Payload{
		"image": map[string]any{
			"template":  "ref-x_1_????.cbf",
			"dataRange": []any{1.0, 3600.0},
		},
		"timeOut":  120.5,
		"comment":  "first pass",
		"doSubmit": true,
		"empty":    nil,
	}
	if err := WriteInData(d, "XDSIndexAndIntegration", in); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := FromFile(filepath.Join(d, "inDataXDSIndexAndIntegration.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Fatalf("payload changed across persistence (-want +got):\n%s", diff)
	}
}

func TestAccessors(t *testing.T) {
	p := Payload{"timeOut": 1.5, "name": "lyso", "doSubmit": true}
	if v, ok := p.Float("timeOut"); !ok || v != 1.5 {
		t.Fatalf("Float: %v %v", v, ok)
	}
	if v, ok := p.String("name"); !ok || v != "lyso" {
		t.Fatalf("String: %v %v", v, ok)
	}
	if !p.Bool("doSubmit") || p.Bool("missing") {
		t.Fatalf("Bool lookup wrong")
	}
	if _, ok := p.Float("name"); ok {
		t.Fatalf("Float on string should miss")
	}
}

func TestValidate(t *testing.T) {
	schema := `{
		"type": "object",
		"required": ["fastaPath"],
		"properties": {"fastaPath": {"type": "string"}}
	}`
	if err := Validate(Payload{"fastaPath": "/tmp/a.fasta"}, schema); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	err := Validate(Payload{"fastaPath": 42.0}, schema)
	if err == nil {
		t.Fatalf("invalid payload accepted")
	}
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("want ErrSchema, got %v", err)
	}
	if err := Validate(Payload{"anything": "goes"}, ""); err != nil {
		t.Fatalf("empty schema must accept: %v", err)
	}
}

func TestFromFile_Missing(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want not-exist, got %v", err)
	}
}
