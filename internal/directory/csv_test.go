package directory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

const samplePhonebook = `first_name,name,callsign,ip_address,telephone
Alice,Smith,hb9abc,10.1.1.5,100
Bob,Jones,,,200
Short,Row
Carol,,HB9XYZ,,not-a-number
,,hb9fax,,300
`

func TestParseCSV(t *testing.T) {
	entries, err := ParseCSV(strings.NewReader(samplePhonebook), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}

	want := []Entry{
		{UserID: "100", DisplayName: "Smith Alice (HB9ABC)"},
		{UserID: "200", DisplayName: "Jones Bob"},
		{UserID: "300", DisplayName: "HB9FAX"},
	}
	if len(entries) != len(want) {
		t.Fatalf("len(entries) = %d, want %d: %+v", len(entries), len(want), entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entries[%d] = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestCSVSource_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phonebook.csv")
	if err := os.WriteFile(path, []byte(samplePhonebook), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	src := NewCSVSource(path, nil)
	if src.Path() != path {
		t.Errorf("Path() = %q, want %q", src.Path(), path)
	}
	entries, err := src.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("len(entries) = %d, want 3", len(entries))
	}
}

func TestCSVSource_MissingFile(t *testing.T) {
	src := NewCSVSource(filepath.Join(t.TempDir(), "nope.csv"), nil)
	if _, err := src.Load(); err == nil {
		t.Error("Load() error = nil, want error")
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"  padded  ", "padded"},
		{"Zürich", "Zürich"},
		{"trunc\xe2\x82", "trunc"},
		{"bad\xffbyte", "badbyte"},
		{"tab\tand\nnewline", "tabandnewline"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsPhoneNumber(t *testing.T) {
	tests := map[string]bool{
		"100":    true,
		"0041":   true,
		"":       false,
		"12a":    false,
		"hb9abc": false,
	}
	for in, want := range tests {
		if got := IsPhoneNumber(in); got != want {
			t.Errorf("IsPhoneNumber(%q) = %v, want %v", in, got, want)
		}
	}
}
