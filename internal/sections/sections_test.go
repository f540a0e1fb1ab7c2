package sections

import "testing"

func TestSectionRoles(t *testing.T) {
	tests := []struct {
		section    Section
		name       string
		symbol     string
		executable bool
		mandatory  bool
	}{
		{VMData, "vm-data", VMDataSymbol, false, false},
		{VMInstructions, "vm-instructions", VMInstructionsSymbol, true, false},
		{IsolateData, "isolate-data", IsolateDataSymbol, false, true},
		{IsolateInstructions, "isolate-instructions", IsolateInstructionsSymbol, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.section.String(); got != tt.name {
				t.Fatalf("String()=%q, want %q", got, tt.name)
			}
			if got := tt.section.Symbol(); got != tt.symbol {
				t.Fatalf("Symbol()=%q, want %q", got, tt.symbol)
			}
			if got := tt.section.Executable(); got != tt.executable {
				t.Fatalf("Executable()=%v, want %v", got, tt.executable)
			}
			if got := tt.section.Mandatory(); got != tt.mandatory {
				t.Fatalf("Mandatory()=%v, want %v", got, tt.mandatory)
			}
		})
	}

	if got := Section(9).String(); got != "unknown(9)" {
		t.Fatalf("String()=%q, want unknown(9)", got)
	}
}

func TestBuffersGetSet(t *testing.T) {
	var b Buffers
	for i, s := range All {
		b.Set(s, uintptr(0x1000*(i+1)))
	}
	for i, s := range All {
		if got, want := b.Get(s), uintptr(0x1000*(i+1)); got != want {
			t.Fatalf("Get(%v)=%#x, want %#x", s, got, want)
		}
	}
}

func TestDataSizes(t *testing.T) {
	d := Data{
		VMInstructions: make([]byte, 100),
		IsolateData:    make([]byte, 200),
	}
	if got, want := d.Sizes(), [Count]int64{0, 100, 200, 0}; got != want {
		t.Fatalf("Sizes()=%v, want %v", got, want)
	}
}

func TestCSymbolDropsAssemblerPrefix(t *testing.T) {
	for _, s := range All {
		if s.Symbol() != "_"+s.CSymbol() {
			t.Fatalf("%v: Symbol()=%q, CSymbol()=%q, want the C name without the leading underscore", s, s.Symbol(), s.CSymbol())
		}
	}
	if IsolateData.CSymbol() != "kDartIsolateSnapshotData" {
		t.Fatalf("CSymbol()=%q, want kDartIsolateSnapshotData", IsolateData.CSymbol())
	}
}
