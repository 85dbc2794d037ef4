package store

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDecParser(t *testing.T) {
	var dp decParser

	got := dp.parse("12.34")
	if !got.Equal(decimal.NewFromFloat(12.34)) {
		t.Errorf("parse(12.34): got %s", got)
	}
	if dp.err != nil {
		t.Fatalf("valid input set an error: %v", dp.err)
	}

	dp.parse("not-a-number")
	if dp.err == nil {
		t.Fatal("malformed numeric should surface an error, not a zero value")
	}

	first := dp.err
	dp.parse("also-bad")
	if dp.err != first {
		t.Error("the first conversion error should be retained")
	}
}
