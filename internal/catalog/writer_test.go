package catalog

import (
	"context"
	"testing"
)

func TestNewWriterWithoutDSNIsNoop(t *testing.T) {
	w, err := NewWriter(context.Background(), Config{})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Close()

	if _, ok := w.(noopWriter); !ok {
		t.Fatalf("expected noop writer, got %T", w)
	}
	if err := w.RecordFile(context.Background(), FileRecord{Path: "blocks/x"}); err != nil {
		t.Errorf("RecordFile on noop writer: %v", err)
	}
}

func TestSchemaEmbedded(t *testing.T) {
	if schemaSQL == "" {
		t.Fatal("schema.sql not embedded")
	}
}
